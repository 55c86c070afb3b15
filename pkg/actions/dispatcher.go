package actions

import (
	"context"
	"sync"

	"github.com/go-resty/resty/v2"

	"github.com/postgres-ai/platform-console/pkg/gateway"
	"github.com/postgres-ai/platform-console/pkg/logger"
)

// Sink consumes lifecycle events; the store implements it.
type Sink interface {
	Apply(Event)
}

// Policy controls what happens when an operation is re-invoked while a
// matching request is still outstanding.
type Policy uint8

const (
	// PolicySingle coalesces re-invocations: the new call is dropped.
	PolicySingle Policy = iota
	// PolicyOverlap allows concurrent invocations (chat polling wants this).
	PolicyOverlap
)

// Dispatcher runs the operation catalog against the gateway, emitting
// progressed synchronously before the network call and exactly one
// terminal event after it. Every event carries a per-feature-key
// monotonic sequence so the store can discard stale replies.
type Dispatcher struct {
	gw   *gateway.Client
	sink Sink

	mu       sync.Mutex
	seq      map[string]uint64
	inflight map[string]int
	policies map[Operation]Policy

	downloadDir string
}

func NewDispatcher(gw *gateway.Client, sink Sink, downloadDir string) *Dispatcher {
	return &Dispatcher{
		gw:          gw,
		sink:        sink,
		seq:         make(map[string]uint64),
		inflight:    make(map[string]int),
		downloadDir: downloadDir,
		policies: map[Operation]Policy{
			OpGetJoeSessionCommands: PolicyOverlap,
			OpSendJoeCommand:        PolicyOverlap,
		},
	}
}

// SetPolicy overrides the in-flight policy for one operation.
func (d *Dispatcher) SetPolicy(op Operation, p Policy) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.policies[op] = p
}

// FeatureKey scopes the staleness guard and the in-flight check. Chat
// operations are scoped per instance so two bots do not share a key.
func FeatureKey(op Operation, args Args) string {
	switch op {
	case OpGetJoeSessionCommands, OpSendJoeCommand, OpCloseChatChannel:
		return string(op) + "/" + args.InstanceID
	default:
		return string(op)
	}
}

// begin reserves an invocation slot and issues the next sequence number.
// It returns false when a single-flight operation is already running.
func (d *Dispatcher) begin(op Operation, args Args) (uint64, bool) {
	key := FeatureKey(op, args)

	d.mu.Lock()
	defer d.mu.Unlock()

	if d.policies[op] == PolicySingle && d.inflight[key] > 0 {
		logger.DebugCF("actions", "coalesced re-invocation", map[string]interface{}{
			"operation": string(op),
		})
		return 0, false
	}
	d.inflight[key]++
	d.seq[key]++
	return d.seq[key], true
}

func (d *Dispatcher) finish(op Operation, args Args) {
	key := FeatureKey(op, args)
	d.mu.Lock()
	if d.inflight[key] > 0 {
		d.inflight[key]--
	}
	d.mu.Unlock()
}

// run executes the shared lifecycle for a gated JSON call.
func (d *Dispatcher) run(ctx context.Context, op Operation, args Args, call gateway.Call) {
	seq, ok := d.begin(op, args)
	if !ok {
		return
	}
	defer d.finish(op, args)

	d.sink.Apply(Event{Op: op, Kind: KindProgressed, Seq: seq, Args: args})

	reply, err := d.gw.Do(ctx, call)
	if err != nil {
		logger.WarnCF("actions", "operation failed", map[string]interface{}{
			"operation": string(op),
			"error":     err.Error(),
		})
		d.sink.Apply(Event{Op: op, Kind: KindFailed, Seq: seq, Args: args, Err: toOpError(err)})
		return
	}
	d.sink.Apply(Event{Op: op, Kind: KindCompleted, Seq: seq, Args: args, Reply: reply})
}

func (d *Dispatcher) SignIn(ctx context.Context, email, password string) {
	args := Args{Email: email}
	d.run(ctx, OpSignIn, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.SignIn(ctx, email, password)
	})
}

func (d *Dispatcher) SignOut() {
	args := Args{}
	seq, ok := d.begin(OpSignOut, args)
	if !ok {
		return
	}
	defer d.finish(OpSignOut, args)
	d.sink.Apply(Event{Op: OpSignOut, Kind: KindProgressed, Seq: seq, Args: args})
	d.sink.Apply(Event{Op: OpSignOut, Kind: KindCompleted, Seq: seq, Args: args})
}

func (d *Dispatcher) GetUserProfile(ctx context.Context, token string) {
	d.run(ctx, OpGetUserProfile, Args{}, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.UserProfile(ctx, token)
	})
}

func (d *Dispatcher) UpdateUserProfile(ctx context.Context, token, firstName, lastName string) {
	d.run(ctx, OpUpdateUserProfile, Args{}, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.UpdateUserProfile(ctx, token, firstName, lastName)
	})
}

func (d *Dispatcher) GetOrgs(ctx context.Context, token string) {
	d.run(ctx, OpGetOrgs, Args{}, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.Orgs(ctx, token)
	})
}

func (d *Dispatcher) CreateOrg(ctx context.Context, token, name, alias string) {
	d.run(ctx, OpCreateOrg, Args{}, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CreateOrg(ctx, token, name, alias)
	})
}

func (d *Dispatcher) UpdateOrg(ctx context.Context, token string, orgID int64, patch map[string]interface{}) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpUpdateOrg, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.UpdateOrg(ctx, token, orgID, patch)
	})
}

func (d *Dispatcher) GetOrgUsers(ctx context.Context, token string, orgID int64) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpGetOrgUsers, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.OrgUsers(ctx, token, orgID)
	})
}

func (d *Dispatcher) GetAccessTokens(ctx context.Context, token string, orgID int64) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpGetAccessTokens, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.AccessTokens(ctx, token, orgID)
	})
}

func (d *Dispatcher) CreateAccessToken(ctx context.Context, token string, orgID int64, name, expiresAt string) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpCreateAccessToken, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CreateAccessToken(ctx, token, orgID, name, expiresAt)
	})
}

func (d *Dispatcher) RevokeAccessToken(ctx context.Context, token string, orgID, id int64) {
	args := Args{OrgID: orgID, TokenID: id}
	d.run(ctx, OpRevokeAccessToken, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.RevokeAccessToken(ctx, token, orgID, id)
	})
}

func (d *Dispatcher) GetCheckupReports(ctx context.Context, token string, orgID, projectID, reportID int64) {
	args := Args{OrgID: orgID, ProjectID: projectID, ReportID: reportID}
	d.run(ctx, OpGetCheckupReports, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CheckupReports(ctx, token, orgID, projectID, reportID)
	})
}

func (d *Dispatcher) GetCheckupReportFiles(ctx context.Context, token string, reportID int64, fileType string) {
	args := Args{ReportID: reportID, FileType: fileType}
	d.run(ctx, OpGetCheckupReportFiles, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CheckupReportFiles(ctx, token, reportID, fileType)
	})
}

// DownloadReportFile is the binary path: it bypasses the JSON gate and
// carries a SavedFile on completion instead of a Reply.
func (d *Dispatcher) DownloadReportFile(ctx context.Context, token string, fileID int64) {
	args := Args{FileID: fileID}
	seq, ok := d.begin(OpDownloadReportFile, args)
	if !ok {
		return
	}
	defer d.finish(OpDownloadReportFile, args)

	d.sink.Apply(Event{Op: OpDownloadReportFile, Kind: KindProgressed, Seq: seq, Args: args})

	saved, err := d.gw.DownloadReportFile(ctx, token, fileID, d.downloadDir)
	if err != nil {
		opErr := toOpError(err)
		if nf, ok := err.(*gateway.NotFoundError); ok {
			opErr = &Error{Code: CodeWrongReply, Message: nf.Error()}
		}
		d.sink.Apply(Event{Op: OpDownloadReportFile, Kind: KindFailed, Seq: seq, Args: args, Err: opErr})
		return
	}
	d.sink.Apply(Event{Op: OpDownloadReportFile, Kind: KindCompleted, Seq: seq, Args: args, File: &saved})
}

func (d *Dispatcher) GetDbLabInstances(ctx context.Context, token string, orgID int64) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpGetDbLabInstances, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.DbLabInstances(ctx, token, orgID)
	})
}

func (d *Dispatcher) CreateDbLabInstance(ctx context.Context, token string, orgID int64, project, instanceURL, sshTunnelToken string) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpCreateDbLabInstance, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CreateDbLabInstance(ctx, token, orgID, project, instanceURL, sshTunnelToken)
	})
}

func (d *Dispatcher) DestroyDbLabInstance(ctx context.Context, token string, instanceID string) {
	args := Args{InstanceID: instanceID}
	d.run(ctx, OpDestroyDbLabInstance, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.DestroyDbLabInstance(ctx, token, instanceID)
	})
}

func (d *Dispatcher) GetDbLabSessions(ctx context.Context, token string, instanceID string, limit int) {
	args := Args{InstanceID: instanceID, Limit: limit}
	d.run(ctx, OpGetDbLabSessions, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.DbLabSessions(ctx, token, instanceID, limit)
	})
}

func (d *Dispatcher) GetJoeInstances(ctx context.Context, token string, orgID int64) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpGetJoeInstances, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.JoeInstances(ctx, token, orgID)
	})
}

func (d *Dispatcher) CreateJoeInstance(ctx context.Context, token string, orgID int64, project, signingSecret, instanceURL string) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpCreateJoeInstance, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CreateJoeInstance(ctx, token, orgID, project, signingSecret, instanceURL)
	})
}

func (d *Dispatcher) DestroyJoeInstance(ctx context.Context, token string, instanceID string) {
	args := Args{InstanceID: instanceID}
	d.run(ctx, OpDestroyJoeInstance, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.DestroyJoeInstance(ctx, token, instanceID)
	})
}

func (d *Dispatcher) GetJoeSessionCommands(ctx context.Context, token string, instanceID, query string, limit int) {
	args := Args{InstanceID: instanceID, Query: query, Limit: limit}
	d.run(ctx, OpGetJoeSessionCommands, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.JoeSessionCommands(ctx, token, instanceID, query, limit)
	})
}

func (d *Dispatcher) SendJoeCommand(ctx context.Context, token string, instanceID, channelID, sessionID, command string) {
	args := Args{InstanceID: instanceID, ChannelID: channelID, SessionID: sessionID}
	d.run(ctx, OpSendJoeCommand, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.JoeCommand(ctx, token, instanceID, channelID, sessionID, command)
	})
}

func (d *Dispatcher) GetCommandArtifacts(ctx context.Context, token string, commandID int64) {
	args := Args{CommandID: commandID}
	d.run(ctx, OpGetCommandArtifacts, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.CommandArtifacts(ctx, token, commandID)
	})
}

// CloseChatChannel has no REST call: the realtime manager owns the
// socket teardown, the event only flips the closing flag in the store.
func (d *Dispatcher) CloseChatChannel(instanceID, channelID string) {
	args := Args{InstanceID: instanceID, ChannelID: channelID}
	seq, ok := d.begin(OpCloseChatChannel, args)
	if !ok {
		return
	}
	defer d.finish(OpCloseChatChannel, args)
	d.sink.Apply(Event{Op: OpCloseChatChannel, Kind: KindProgressed, Seq: seq, Args: args})
	d.sink.Apply(Event{Op: OpCloseChatChannel, Kind: KindCompleted, Seq: seq, Args: args})
}

func (d *Dispatcher) GetBillingUsage(ctx context.Context, token string, orgID int64) {
	args := Args{OrgID: orgID}
	d.run(ctx, OpGetBillingUsage, args, func(ctx context.Context) (*resty.Response, error) {
		return d.gw.BillingUsage(ctx, token, orgID)
	})
}
