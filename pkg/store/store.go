// Package store owns the single state tree of the console. Every
// dispatcher lifecycle event maps to exactly one reducer arm, every
// mutation is broadcast synchronously to subscribers, and side effects
// (navigation, consistency re-fetches) leave the store as intents.
package store

import (
	"encoding/json"
	"sync"

	"github.com/tidwall/gjson"

	"github.com/postgres-ai/platform-console/pkg/actions"
	"github.com/postgres-ai/platform-console/pkg/config"
	"github.com/postgres-ai/platform-console/pkg/logger"
)

const reportNotFoundMessage = "Specified report not found or you have no access to it."

// Intent is a side effect the store wants the hosting layer to perform.
type Intent interface{ isIntent() }

// NavigateIntent asks the host router to change location. The store
// never touches the environment itself.
type NavigateIntent struct {
	URL string
}

// RefetchIntent asks the dispatcher to re-run an operation to keep
// denormalized state consistent after a mutation.
type RefetchIntent struct {
	Op   actions.Operation
	Args actions.Args
}

func (NavigateIntent) isIntent() {}
func (RefetchIntent) isIntent()  {}

type subscription struct {
	id int
	fn func(*State)
}

type Store struct {
	cfg *config.Config

	mu        sync.Mutex
	state     State
	subs      []subscription
	nextSubID int
	latest    map[string]uint64
	pending   []Intent

	intentMu  sync.Mutex
	intentFns []func(Intent)
}

func New(cfg *config.Config) *Store {
	return &Store{
		cfg:    cfg,
		state:  initialState(),
		latest: make(map[string]uint64),
	}
}

// Subscribe registers a listener invoked synchronously, in registration
// order, after every mutation. Listeners must not call back into the
// store. The returned function unsubscribes.
func (s *Store) Subscribe(fn func(*State)) func() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSubID++
	id := s.nextSubID
	s.subs = append(s.subs, subscription{id: id, fn: fn})

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		for i, sub := range s.subs {
			if sub.id == id {
				s.subs = append(s.subs[:i], s.subs[i+1:]...)
				return
			}
		}
	}
}

// OnIntent registers an observer for navigation and re-fetch intents.
// Intents are delivered outside the store lock, so observers may invoke
// the dispatcher.
func (s *Store) OnIntent(fn func(Intent)) {
	s.intentMu.Lock()
	defer s.intentMu.Unlock()
	s.intentFns = append(s.intentFns, fn)
}

// Read runs fn with the current state under the store lock.
func (s *Store) Read(fn func(*State)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	fn(&s.state)
}

// Apply is the single typed reducer entry point. Stale terminal events
// (an older sequence than the latest issued for the feature key) are
// discarded so a slow reply cannot clobber fresher state.
func (s *Store) Apply(ev actions.Event) {
	s.mu.Lock()

	key := actions.FeatureKey(ev.Op, ev.Args)
	if ev.Kind == actions.KindProgressed {
		if ev.Seq > s.latest[key] {
			s.latest[key] = ev.Seq
		}
	} else if ev.Seq < s.latest[key] {
		s.mu.Unlock()
		logger.DebugCF("store", "stale reply discarded", map[string]interface{}{
			"operation": string(ev.Op),
			"seq":       ev.Seq,
		})
		return
	}

	s.reduce(ev)
	s.broadcastLocked()

	intents := s.pending
	s.pending = nil
	s.mu.Unlock()

	s.deliverIntents(intents)
}

func (s *Store) broadcastLocked() {
	for _, sub := range s.subs {
		sub.fn(&s.state)
	}
}

func (s *Store) deliverIntents(intents []Intent) {
	if len(intents) == 0 {
		return
	}
	s.intentMu.Lock()
	fns := make([]func(Intent), len(s.intentFns))
	copy(fns, s.intentFns)
	s.intentMu.Unlock()

	for _, intent := range intents {
		for _, fn := range fns {
			fn(intent)
		}
	}
}

func (s *Store) intentLocked(intent Intent) {
	s.pending = append(s.pending, intent)
}

// completeInto runs the shared semantic-error classifier against a
// completed payload and, only when clean, unmarshals it into target.
// Reports whether the payload was accepted.
func (s *Store) completeInto(st *Status, body []byte, target interface{}) bool {
	c := classifyReply(body, s.cfg.Auth.ExpiredSentinel)
	if c.isError {
		st.fail(c.message)
		if c.expired {
			s.expireSessionLocked()
		}
		return false
	}
	if target != nil {
		if err := json.Unmarshal(body, target); err != nil {
			st.fail(string(actions.CodeWrongReply))
			return false
		}
	}
	st.complete()
	return true
}

// expireSessionLocked force-signs the user out: auth fields cleared and
// a navigation intent emitted for the host router.
func (s *Store) expireSessionLocked() {
	s.state.Auth = AuthState{}
	s.intentLocked(NavigateIntent{URL: s.cfg.Auth.SignInURL})
}

func (s *Store) reduce(ev actions.Event) {
	switch ev.Op {
	case actions.OpSignIn:
		s.reduceSignIn(ev)
	case actions.OpSignOut:
		s.reduceSignOut(ev)
	case actions.OpGetUserProfile:
		s.reduceGetUserProfile(ev)
	case actions.OpUpdateUserProfile:
		s.reduceUpdateUserProfile(ev)
	case actions.OpGetOrgs:
		s.reduceGetOrgs(ev)
	case actions.OpCreateOrg:
		s.reduceCreateOrg(ev)
	case actions.OpUpdateOrg:
		s.reduceUpdateOrg(ev)
	case actions.OpGetOrgUsers:
		s.reduceGetOrgUsers(ev)
	case actions.OpGetAccessTokens:
		s.reduceGetAccessTokens(ev)
	case actions.OpCreateAccessToken:
		s.reduceCreateAccessToken(ev)
	case actions.OpRevokeAccessToken:
		s.reduceRevokeAccessToken(ev)
	case actions.OpGetCheckupReports:
		s.reduceGetCheckupReports(ev)
	case actions.OpGetCheckupReportFiles:
		s.reduceGetCheckupReportFiles(ev)
	case actions.OpDownloadReportFile:
		s.reduceDownloadReportFile(ev)
	case actions.OpGetDbLabInstances:
		s.reduceGetDbLabInstances(ev)
	case actions.OpCreateDbLabInstance:
		s.reduceCreateDbLabInstance(ev)
	case actions.OpDestroyDbLabInstance:
		s.reduceDestroyDbLabInstance(ev)
	case actions.OpGetDbLabSessions:
		s.reduceGetDbLabSessions(ev)
	case actions.OpGetJoeInstances:
		s.reduceGetJoeInstances(ev)
	case actions.OpCreateJoeInstance:
		s.reduceCreateJoeInstance(ev)
	case actions.OpDestroyJoeInstance:
		s.reduceDestroyJoeInstance(ev)
	case actions.OpGetJoeSessionCommands:
		s.reduceGetJoeSessionCommands(ev)
	case actions.OpSendJoeCommand:
		s.reduceSendJoeCommand(ev)
	case actions.OpGetCommandArtifacts:
		s.reduceGetCommandArtifacts(ev)
	case actions.OpCloseChatChannel:
		s.reduceCloseChatChannel(ev)
	case actions.OpGetBillingUsage:
		s.reduceGetBillingUsage(ev)
	default:
		logger.WarnCF("store", "unhandled operation", map[string]interface{}{
			"operation": string(ev.Op),
		})
	}
}

func (s *Store) reduceSignIn(ev actions.Event) {
	auth := &s.state.Auth
	switch ev.Kind {
	case actions.KindProgressed:
		auth.startProcessing()
	case actions.KindFailed:
		auth.fail(ev.Err.Message)
	case actions.KindCompleted:
		c := classifyReply(ev.Reply.Body, s.cfg.Auth.ExpiredSentinel)
		if c.isError {
			auth.fail(c.message)
			return
		}
		token := gjson.GetBytes(ev.Reply.Body, "token").String()
		if token == "" {
			auth.fail(string(actions.CodeWrongReply))
			return
		}
		userID, ok := decodeUserID(token, s.cfg.IDClaims())
		if !ok {
			// A token without a usable id is as good as no token:
			// nothing of the attempt may survive in the tree.
			logger.WarnC("store", "sign-in token has no usable user id, discarding")
			s.state = initialState()
			return
		}
		s.state = initialState()
		auth = &s.state.Auth
		auth.Token = token
		auth.UserID = userID
		auth.IsSignedIn = true
		auth.complete()
	}
}

func (s *Store) reduceSignOut(ev actions.Event) {
	if ev.Kind != actions.KindCompleted {
		return
	}
	s.expireSessionLocked()
}

func (s *Store) reduceGetUserProfile(ev actions.Event) {
	st := &s.state.UserProfile
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var profile UserProfile
		if s.completeInto(&st.Status, ev.Reply.Body, &profile) {
			st.Data = &profile
		}
	}
}

func (s *Store) reduceUpdateUserProfile(ev actions.Event) {
	st := &s.state.UserProfile
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var profile UserProfile
		if s.completeInto(&st.Status, ev.Reply.Body, &profile) {
			st.Data = &profile
		}
	}
}

func (s *Store) reduceGetOrgs(ev actions.Event) {
	st := &s.state.Orgs
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var orgs []Org
		if s.completeInto(&st.Status, ev.Reply.Body, &orgs) {
			st.Data = orgs
		}
	}
}

func (s *Store) reduceCreateOrg(ev actions.Event) {
	st := &s.state.Orgs
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			s.intentLocked(RefetchIntent{Op: actions.OpGetOrgs})
		}
	}
}

func (s *Store) reduceUpdateOrg(ev actions.Event) {
	st := &s.state.Orgs
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		updated := parseOrgReply(ev.Reply.Body)
		if !s.completeInto(&st.Status, ev.Reply.Body, nil) {
			return
		}
		// An alias change moves the org's URL space; the host router
		// has to follow it.
		if updated != nil {
			for _, org := range st.Data {
				if org.ID == updated.ID && org.Alias != updated.Alias && updated.Alias != "" {
					s.intentLocked(NavigateIntent{URL: "/" + updated.Alias})
				}
			}
		}
		s.intentLocked(RefetchIntent{Op: actions.OpGetUserProfile})
		s.intentLocked(RefetchIntent{Op: actions.OpGetOrgs})
	}
}

// parseOrgReply accepts both representation shapes: a single org object
// or a one-element array.
func parseOrgReply(body []byte) *Org {
	parsed := gjson.ParseBytes(body)
	if parsed.IsArray() {
		arr := parsed.Array()
		if len(arr) == 0 {
			return nil
		}
		parsed = arr[0]
	}
	var org Org
	if err := json.Unmarshal([]byte(parsed.Raw), &org); err != nil {
		return nil
	}
	return &org
}

func (s *Store) reduceGetOrgUsers(ev actions.Event) {
	st := &s.state.OrgUsers
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var data OrgUsersData
		if s.completeInto(&st.Status, ev.Reply.Body, &data) {
			st.Data = data
			st.OrgID = ev.Args.OrgID
		}
	}
}

func (s *Store) reduceGetAccessTokens(ev actions.Event) {
	st := &s.state.UserTokens
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var tokens []AccessToken
		if s.completeInto(&st.Status, ev.Reply.Body, &tokens) {
			st.Data = tokens
			st.OrgID = ev.Args.OrgID
		}
	}
}

func (s *Store) reduceCreateAccessToken(ev actions.Event) {
	st := &s.state.UserTokens
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.CreatedToken = ""
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			st.CreatedToken = gjson.GetBytes(ev.Reply.Body, "token").String()
			s.intentLocked(RefetchIntent{Op: actions.OpGetAccessTokens, Args: actions.Args{OrgID: ev.Args.OrgID}})
		}
	}
}

func (s *Store) reduceRevokeAccessToken(ev actions.Event) {
	st := &s.state.UserTokens
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.RevokingID = ev.Args.TokenID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
		st.RevokingID = 0
	case actions.KindCompleted:
		st.RevokingID = 0
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			s.intentLocked(RefetchIntent{Op: actions.OpGetAccessTokens, Args: actions.Args{OrgID: ev.Args.OrgID}})
		}
	}
}

func (s *Store) reduceGetCheckupReports(ev actions.Event) {
	st := &s.state.Reports
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
		st.ProjectID = ev.Args.ProjectID
		st.ReportID = ev.Args.ReportID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var reports []CheckupReport
		if !s.completeInto(&st.Status, ev.Reply.Body, &reports) {
			return
		}
		// Asking for a concrete report and getting nothing back is a
		// 404 even though the transport call succeeded.
		if ev.Args.ReportID > 0 && len(reports) == 0 {
			st.fail(reportNotFoundMessage)
			return
		}
		st.Data = reports
		st.OrgID = ev.Args.OrgID
		st.ProjectID = ev.Args.ProjectID
		st.ReportID = ev.Args.ReportID
	}
}

func (s *Store) reduceGetCheckupReportFiles(ev actions.Event) {
	st := &s.state.ReportFiles
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.ReportID = ev.Args.ReportID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var files []ReportFile
		if s.completeInto(&st.Status, ev.Reply.Body, &files) {
			st.Data = files
			st.ReportID = ev.Args.ReportID
			if ev.Reply.HasTotal {
				st.Total = ev.Reply.Total
			} else {
				st.Total = len(files)
			}
		}
	}
}

func (s *Store) reduceDownloadReportFile(ev actions.Event) {
	st := &s.state.Download
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.FileID = ev.Args.FileID
		st.Filename = ""
		st.Path = ""
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		st.complete()
		if ev.File != nil {
			st.Filename = ev.File.Filename
			st.Path = ev.File.Path
		}
	}
}

func (s *Store) reduceGetDbLabInstances(ev actions.Event) {
	st := &s.state.DbLabInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var instances []DbLabInstance
		if s.completeInto(&st.Status, ev.Reply.Body, &instances) {
			st.Data = make(map[string]DbLabInstance, len(instances))
			for _, inst := range instances {
				st.Data[inst.ID] = inst
			}
			st.OrgID = ev.Args.OrgID
		}
	}
}

func (s *Store) reduceCreateDbLabInstance(ev actions.Event) {
	st := &s.state.DbLabInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			s.intentLocked(RefetchIntent{Op: actions.OpGetDbLabInstances, Args: actions.Args{OrgID: ev.Args.OrgID}})
		}
	}
}

func (s *Store) reduceDestroyDbLabInstance(ev actions.Event) {
	st := &s.state.DbLabInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.DestroyingID = ev.Args.InstanceID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
		st.DestroyingID = ""
	case actions.KindCompleted:
		st.DestroyingID = ""
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			delete(st.Data, ev.Args.InstanceID)
			s.intentLocked(RefetchIntent{Op: actions.OpGetDbLabInstances, Args: actions.Args{OrgID: st.OrgID}})
		}
	}
}

func (s *Store) reduceGetDbLabSessions(ev actions.Event) {
	st := &s.state.DbLabSessions
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.InstanceID = ev.Args.InstanceID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var sessions []DbLabSession
		if s.completeInto(&st.Status, ev.Reply.Body, &sessions) {
			st.Data = sessions
			st.InstanceID = ev.Args.InstanceID
			if ev.Reply.HasTotal {
				st.Total = ev.Reply.Total
			} else {
				st.Total = len(sessions)
			}
		}
	}
}

func (s *Store) reduceGetJoeInstances(ev actions.Event) {
	st := &s.state.JoeInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var instances []JoeInstance
		if s.completeInto(&st.Status, ev.Reply.Body, &instances) {
			st.Data = make(map[string]JoeInstance, len(instances))
			for _, inst := range instances {
				st.Data[inst.ID] = inst
			}
			st.OrgID = ev.Args.OrgID
		}
	}
}

func (s *Store) reduceCreateJoeInstance(ev actions.Event) {
	st := &s.state.JoeInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			s.intentLocked(RefetchIntent{Op: actions.OpGetJoeInstances, Args: actions.Args{OrgID: ev.Args.OrgID}})
		}
	}
}

func (s *Store) reduceDestroyJoeInstance(ev actions.Event) {
	st := &s.state.JoeInstances
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.DestroyingID = ev.Args.InstanceID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
		st.DestroyingID = ""
	case actions.KindCompleted:
		st.DestroyingID = ""
		if s.completeInto(&st.Status, ev.Reply.Body, nil) {
			delete(st.Data, ev.Args.InstanceID)
			s.intentLocked(RefetchIntent{Op: actions.OpGetJoeInstances, Args: actions.Args{OrgID: st.OrgID}})
		}
	}
}

func (s *Store) reduceGetJoeSessionCommands(ev actions.Event) {
	st := &s.state.Commands
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.InstanceID = ev.Args.InstanceID
		st.Query = ev.Args.Query
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var commands []SessionCommand
		if s.completeInto(&st.Status, ev.Reply.Body, &commands) {
			st.Data = commands
			st.InstanceID = ev.Args.InstanceID
			st.Query = ev.Args.Query
			if ev.Reply.HasTotal {
				st.Total = ev.Reply.Total
			} else {
				st.Total = len(commands)
			}
		}
	}
}

func (s *Store) reduceSendJoeCommand(ev actions.Event) {
	ch := s.getOrCreateChannelLocked(ev.Args.InstanceID, ev.Args.ChannelID)
	switch ev.Kind {
	case actions.KindProgressed:
		// A new outbound command restarts a closed or permanently
		// failed channel from scratch.
		if ch.WSFailed || ch.WSClose {
			ch.WSFailed = false
			ch.WSClose = false
			ch.WSRetryConnectionCount = 0
			ch.WSErrorMessage = ""
		}
	case actions.KindFailed:
		ch.WSErrorMessage = ev.Err.Message
	case actions.KindCompleted:
		// A reply carrying an id is itself a chat record, and its
		// message field is command text, not an error envelope. It
		// skips the classifier and merges directly.
		if gjson.GetBytes(ev.Reply.Body, "id").Exists() {
			var msg ChatMessage
			if err := json.Unmarshal(ev.Reply.Body, &msg); err == nil {
				s.mergeMessageLocked(ch, msg)
			}
			return
		}
		c := classifyReply(ev.Reply.Body, s.cfg.Auth.ExpiredSentinel)
		if c.isError {
			ch.WSErrorMessage = c.message
			if c.expired {
				s.expireSessionLocked()
			}
			return
		}
		if sessionID := gjson.GetBytes(ev.Reply.Body, "session_id").String(); sessionID != "" {
			ch.SessionID = sessionID
		}
	}
}

func (s *Store) reduceGetCommandArtifacts(ev actions.Event) {
	entry, ok := s.state.Artifacts.ByCommand[ev.Args.CommandID]
	if !ok {
		entry = &CommandArtifacts{Files: map[string]ArtifactFile{}}
		s.state.Artifacts.ByCommand[ev.Args.CommandID] = entry
	}
	switch ev.Kind {
	case actions.KindProgressed:
		entry.startProcessing()
	case actions.KindFailed:
		entry.fail(ev.Err.Message)
	case actions.KindCompleted:
		var files []ArtifactFile
		if s.completeInto(&entry.Status, ev.Reply.Body, &files) {
			entry.Files = make(map[string]ArtifactFile, len(files))
			for _, f := range files {
				entry.Files[f.ID] = f
			}
		}
	}
}

func (s *Store) reduceCloseChatChannel(ev actions.Event) {
	if ev.Kind != actions.KindCompleted {
		return
	}
	ch := s.getOrCreateChannelLocked(ev.Args.InstanceID, ev.Args.ChannelID)
	ch.WSClose = true
	ch.WSOpen = false
}

func (s *Store) reduceGetBillingUsage(ev actions.Event) {
	st := &s.state.Billing
	switch ev.Kind {
	case actions.KindProgressed:
		st.startProcessing()
		st.OrgID = ev.Args.OrgID
	case actions.KindFailed:
		st.fail(ev.Err.Message)
	case actions.KindCompleted:
		var usage DataUsage
		if s.completeInto(&st.Status, ev.Reply.Body, &usage) {
			st.Data = &usage
			st.OrgID = ev.Args.OrgID
		}
	}
}
