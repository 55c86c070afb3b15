package store

import (
	"encoding/base64"
	"testing"

	"github.com/postgres-ai/platform-console/pkg/actions"
	"github.com/postgres-ai/platform-console/pkg/config"
	"github.com/postgres-ai/platform-console/pkg/gateway"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	return New(config.DefaultConfig())
}

func testJWT(t *testing.T, payload string) string {
	t.Helper()
	header := base64.RawURLEncoding.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`))
	body := base64.RawURLEncoding.EncodeToString([]byte(payload))
	return header + "." + body + ".sig"
}

func completed(op actions.Operation, seq uint64, args actions.Args, body string) actions.Event {
	return actions.Event{
		Op: op, Kind: actions.KindCompleted, Seq: seq, Args: args,
		Reply: gateway.Reply{Body: []byte(body)},
	}
}

func progressed(op actions.Operation, seq uint64, args actions.Args) actions.Event {
	return actions.Event{Op: op, Kind: actions.KindProgressed, Seq: seq, Args: args}
}

func signIn(t *testing.T, s *Store, userID string) {
	t.Helper()
	token := testJWT(t, `{"user_id":`+userID+`}`)
	s.Apply(progressed(actions.OpSignIn, 1, actions.Args{Email: "dev@example.com"}))
	s.Apply(completed(actions.OpSignIn, 1, actions.Args{Email: "dev@example.com"}, `{"token":"`+token+`"}`))
}

func TestSignInCompletedDecodesTokenAndSignsIn(t *testing.T) {
	s := newTestStore(t)
	signIn(t, s, "42")

	s.Read(func(st *State) {
		if !st.Auth.IsSignedIn {
			t.Fatal("expected signed-in state")
		}
		if st.Auth.UserID != 42 {
			t.Fatalf("expected user id 42, got %d", st.Auth.UserID)
		}
		if st.Auth.Token == "" {
			t.Fatal("expected token to be stored")
		}
		if !st.Auth.IsProcessed || st.Auth.IsProcessing {
			t.Fatalf("unexpected lifecycle flags: %+v", st.Auth.Status)
		}
	})
}

func TestSignInFallsBackToSecondaryClaim(t *testing.T) {
	s := newTestStore(t)
	token := testJWT(t, `{"id":7}`)
	s.Apply(progressed(actions.OpSignIn, 1, actions.Args{}))
	s.Apply(completed(actions.OpSignIn, 1, actions.Args{}, `{"token":"`+token+`"}`))

	s.Read(func(st *State) {
		if st.Auth.UserID != 7 {
			t.Fatalf("expected fallback claim id 7, got %d", st.Auth.UserID)
		}
	})
}

func TestSignInUndecodableTokenStaysLoggedOut(t *testing.T) {
	s := newTestStore(t)
	token := testJWT(t, `{"sub":"nobody"}`)
	s.Apply(progressed(actions.OpSignIn, 1, actions.Args{}))
	s.Apply(completed(actions.OpSignIn, 1, actions.Args{}, `{"token":"`+token+`"}`))

	s.Read(func(st *State) {
		if st.Auth.IsSignedIn || st.Auth.Token != "" || st.Auth.UserID != 0 {
			t.Fatalf("token without a usable id must leave auth empty: %+v", st.Auth)
		}
	})
}

func TestSignInResetsWholeTree(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetOrgs, 1, actions.Args{}))
	s.Apply(completed(actions.OpGetOrgs, 1, actions.Args{}, `[{"id":1,"name":"Demo","alias":"demo"}]`))

	signIn(t, s, "42")

	s.Read(func(st *State) {
		if len(st.Orgs.Data) != 0 {
			t.Fatal("sign-in must reset state accumulated before it")
		}
	})
}

func TestGetOrgUsersPopulatesUsersAndRoles(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{OrgID: 42}
	s.Apply(progressed(actions.OpGetOrgUsers, 1, args))

	s.Read(func(st *State) {
		if !st.OrgUsers.IsProcessing || st.OrgUsers.OrgID != 42 {
			t.Fatalf("unexpected in-flight state %+v", st.OrgUsers)
		}
	})

	body := `{
		"users":[
			{"id":1,"email":"a@example.com","first_name":"Ann","last_name":"Lee","role_id":2},
			{"id":2,"email":"b@example.com","first_name":"Bo","last_name":"Chan","role_id":1}
		],
		"roles":[{"id":1,"name":"owner"},{"id":2,"name":"member"}]
	}`
	s.Apply(completed(actions.OpGetOrgUsers, 1, args, body))

	s.Read(func(st *State) {
		if !st.OrgUsers.IsProcessed || st.OrgUsers.IsProcessing || st.OrgUsers.Error {
			t.Fatalf("unexpected lifecycle flags %+v", st.OrgUsers.Status)
		}
		if st.OrgUsers.OrgID != 42 {
			t.Fatalf("expected org 42, got %d", st.OrgUsers.OrgID)
		}
		if len(st.OrgUsers.Data.Users) != 2 {
			t.Fatalf("expected 2 users, got %d", len(st.OrgUsers.Data.Users))
		}
		if st.OrgUsers.Data.Users[0].Email != "a@example.com" || st.OrgUsers.Data.Users[0].RoleID != 2 {
			t.Fatalf("unexpected first user %+v", st.OrgUsers.Data.Users[0])
		}
		if len(st.OrgUsers.Data.Roles) != 2 || st.OrgUsers.Data.Roles[0].Name != "owner" {
			t.Fatalf("unexpected roles %+v", st.OrgUsers.Data.Roles)
		}
	})
}

func TestSemanticErrorInCompletedReplyFails(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetUserProfile, 1, actions.Args{}))
	s.Apply(completed(actions.OpGetUserProfile, 1, actions.Args{}, `{"code":"PGRST301","message":"permission denied"}`))

	s.Read(func(st *State) {
		if !st.UserProfile.Error {
			t.Fatal("expected semantic error to mark the feature failed")
		}
		if st.UserProfile.ErrorMessage != "permission denied" {
			t.Fatalf("unexpected message %q", st.UserProfile.ErrorMessage)
		}
	})
}

func TestSessionExpirySignsOutAndNavigates(t *testing.T) {
	s := newTestStore(t)
	signIn(t, s, "42")

	var intents []Intent
	s.OnIntent(func(i Intent) { intents = append(intents, i) })

	s.Apply(progressed(actions.OpGetUserProfile, 1, actions.Args{}))
	s.Apply(completed(actions.OpGetUserProfile, 1, actions.Args{}, `{"message":"JWT expired"}`))

	s.Read(func(st *State) {
		if st.Auth.IsSignedIn || st.Auth.Token != "" {
			t.Fatal("expired session must clear auth")
		}
	})
	found := false
	for _, i := range intents {
		if nav, ok := i.(NavigateIntent); ok && nav.URL == "/signin" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected navigation to sign-in, got %v", intents)
	}
}

func TestReportByIDNotFound(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{OrgID: 1, ReportID: 5}
	s.Apply(progressed(actions.OpGetCheckupReports, 1, args))
	s.Apply(completed(actions.OpGetCheckupReports, 1, args, `[]`))

	s.Read(func(st *State) {
		if !st.Reports.Error {
			t.Fatal("empty reply for a concrete report id must fail")
		}
		if st.Reports.ErrorMessage != reportNotFoundMessage {
			t.Fatalf("unexpected message %q", st.Reports.ErrorMessage)
		}
	})
}

func TestReportListEmptyIsNotAnError(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{OrgID: 1}
	s.Apply(progressed(actions.OpGetCheckupReports, 1, args))
	s.Apply(completed(actions.OpGetCheckupReports, 1, args, `[]`))

	s.Read(func(st *State) {
		if st.Reports.Error {
			t.Fatal("an empty list without a report id filter is a valid result")
		}
	})
}

func TestStaleTerminalReplyIsDiscarded(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetOrgs, 1, actions.Args{}))
	s.Apply(progressed(actions.OpGetOrgs, 2, actions.Args{}))

	// The older invocation resolves after the newer one started.
	s.Apply(completed(actions.OpGetOrgs, 1, actions.Args{}, `[{"id":9,"name":"stale","alias":"stale"}]`))

	s.Read(func(st *State) {
		if len(st.Orgs.Data) != 0 {
			t.Fatal("stale reply must not land")
		}
		if !st.Orgs.IsProcessing {
			t.Fatal("the newer invocation is still outstanding")
		}
	})

	s.Apply(completed(actions.OpGetOrgs, 2, actions.Args{}, `[{"id":1,"name":"fresh","alias":"fresh"}]`))
	s.Read(func(st *State) {
		if len(st.Orgs.Data) != 1 || st.Orgs.Data[0].Alias != "fresh" {
			t.Fatalf("expected fresh data, got %+v", st.Orgs.Data)
		}
	})
}

func TestSubscribersNotifiedPerMutationAndUnsubscribe(t *testing.T) {
	s := newTestStore(t)
	var first, second int
	unsub := s.Subscribe(func(*State) { first++ })
	s.Subscribe(func(*State) { second++ })

	s.Apply(progressed(actions.OpGetOrgs, 1, actions.Args{}))
	if first != 1 || second != 1 {
		t.Fatalf("expected one notification each, got %d/%d", first, second)
	}

	unsub()
	s.Apply(completed(actions.OpGetOrgs, 1, actions.Args{}, `[]`))
	if first != 1 {
		t.Fatal("unsubscribed listener must not fire")
	}
	if second != 2 {
		t.Fatalf("remaining listener must keep firing, got %d", second)
	}
}

func TestCreateAccessTokenKeepsSecretAndRefetchesList(t *testing.T) {
	s := newTestStore(t)
	var intents []Intent
	s.OnIntent(func(i Intent) { intents = append(intents, i) })

	args := actions.Args{OrgID: 3}
	s.Apply(progressed(actions.OpCreateAccessToken, 1, args))
	s.Apply(completed(actions.OpCreateAccessToken, 1, args, `{"token":"one-time-secret"}`))

	s.Read(func(st *State) {
		if st.UserTokens.CreatedToken != "one-time-secret" {
			t.Fatalf("expected one-time secret, got %q", st.UserTokens.CreatedToken)
		}
	})

	want := RefetchIntent{Op: actions.OpGetAccessTokens, Args: actions.Args{OrgID: 3}}
	found := false
	for _, i := range intents {
		if r, ok := i.(RefetchIntent); ok && r == want {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected token list re-fetch, got %v", intents)
	}
}

func TestUpdateOrgAliasChangeNavigates(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetOrgs, 1, actions.Args{}))
	s.Apply(completed(actions.OpGetOrgs, 1, actions.Args{}, `[{"id":1,"name":"Demo","alias":"old-alias"}]`))

	var intents []Intent
	s.OnIntent(func(i Intent) { intents = append(intents, i) })

	args := actions.Args{OrgID: 1}
	s.Apply(progressed(actions.OpUpdateOrg, 1, args))
	s.Apply(completed(actions.OpUpdateOrg, 1, args, `[{"id":1,"name":"Demo","alias":"new-alias"}]`))

	var sawNavigate, sawProfile, sawOrgs bool
	for _, i := range intents {
		switch v := i.(type) {
		case NavigateIntent:
			if v.URL == "/new-alias" {
				sawNavigate = true
			}
		case RefetchIntent:
			if v.Op == actions.OpGetUserProfile {
				sawProfile = true
			}
			if v.Op == actions.OpGetOrgs {
				sawOrgs = true
			}
		}
	}
	if !sawNavigate {
		t.Fatalf("alias change must navigate, got %v", intents)
	}
	if !sawProfile || !sawOrgs {
		t.Fatalf("org update must re-fetch profile and org list, got %v", intents)
	}
}

func TestDestroyDbLabInstanceRemovesAndRefetches(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetDbLabInstances, 1, actions.Args{OrgID: 2}))
	s.Apply(completed(actions.OpGetDbLabInstances, 1, actions.Args{OrgID: 2},
		`[{"id":"dblab-1","project":"p","url":"http://x","state":"ok"}]`))

	var intents []Intent
	s.OnIntent(func(i Intent) { intents = append(intents, i) })

	args := actions.Args{InstanceID: "dblab-1"}
	s.Apply(progressed(actions.OpDestroyDbLabInstance, 1, args))
	s.Read(func(st *State) {
		if st.DbLabInstances.DestroyingID != "dblab-1" {
			t.Fatalf("expected destroying marker, got %q", st.DbLabInstances.DestroyingID)
		}
	})

	s.Apply(completed(actions.OpDestroyDbLabInstance, 1, args, `[{"id":"dblab-1"}]`))
	s.Read(func(st *State) {
		if st.DbLabInstances.DestroyingID != "" {
			t.Fatal("destroying marker must clear on completion")
		}
		if _, ok := st.DbLabInstances.Data["dblab-1"]; ok {
			t.Fatal("destroyed instance must leave the map")
		}
	})

	found := false
	for _, i := range intents {
		if r, ok := i.(RefetchIntent); ok && r.Op == actions.OpGetDbLabInstances && r.Args.OrgID == 2 {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected instance list re-fetch for org 2, got %v", intents)
	}
}

func TestReportFilesTotalPrefersHeader(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{ReportID: 4}
	s.Apply(progressed(actions.OpGetCheckupReportFiles, 1, args))

	ev := completed(actions.OpGetCheckupReportFiles, 1, args,
		`[{"id":1,"checkup_report_id":4,"filename":"a.json","type":"json"}]`)
	ev.Reply.Total = 120
	ev.Reply.HasTotal = true
	s.Apply(ev)

	s.Read(func(st *State) {
		if st.ReportFiles.Total != 120 {
			t.Fatalf("expected header total 120, got %d", st.ReportFiles.Total)
		}
	})
}

func TestSendJoeCommandRestartsFailedChannel(t *testing.T) {
	s := newTestStore(t)
	s.ChannelPermanentlyFailed("joe-1", "ch-1", "gave up")

	args := actions.Args{InstanceID: "joe-1", ChannelID: "ch-1"}
	s.Apply(progressed(actions.OpSendJoeCommand, 1, args))

	snap := s.Channel("joe-1", "ch-1")
	if snap.WSFailed || snap.WSRetryConnectionCount != 0 {
		t.Fatalf("new command must reset failure bookkeeping: %+v", snap)
	}
}

func TestSendJoeCommandReopensClosedChannel(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{InstanceID: "joe-1", ChannelID: "ch-1"}
	s.Apply(progressed(actions.OpCloseChatChannel, 1, args))
	s.Apply(actions.Event{Op: actions.OpCloseChatChannel, Kind: actions.KindCompleted, Seq: 1, Args: args})

	s.Apply(progressed(actions.OpSendJoeCommand, 1, args))

	if snap := s.Channel("joe-1", "ch-1"); snap.WSClose {
		t.Fatal("a new command must lift the closing flag")
	}
}

func TestSendJoeCommandCompletedAdoptsSession(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{InstanceID: "joe-1", ChannelID: "ch-1"}
	s.Apply(progressed(actions.OpSendJoeCommand, 1, args))
	s.Apply(completed(actions.OpSendJoeCommand, 1, args, `{"session_id":"sess-9"}`))

	if snap := s.Channel("joe-1", "ch-1"); snap.SessionID != "sess-9" {
		t.Fatalf("expected adopted session, got %q", snap.SessionID)
	}
}

func TestSendJoeCommandCompletedMergesEchoedRecord(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{InstanceID: "joe-1", ChannelID: "ch-1"}
	s.Apply(progressed(actions.OpSendJoeCommand, 1, args))
	s.Apply(completed(actions.OpSendJoeCommand, 1, args,
		`{"id":"m1","session_id":"sess-2","channel_id":"ch-1","status":"running","message":"explain select 1","created_at":"2026-08-31T10:00:00Z"}`))

	s.Read(func(st *State) {
		ch := st.Chat.Instances["joe-1"].Channels["ch-1"]
		got, ok := ch.Messages["m1"]
		if !ok {
			t.Fatalf("echoed record must merge as a message, got %v", ch.Messages)
		}
		if got.Message != "explain select 1" {
			t.Fatalf("unexpected message %q", got.Message)
		}
		if ch.WSErrorMessage != "" {
			t.Fatalf("record with a message field must not classify as an error: %q", ch.WSErrorMessage)
		}
	})
	if snap := s.Channel("joe-1", "ch-1"); snap.SessionID != "sess-2" {
		t.Fatalf("expected session adopted from record, got %q", snap.SessionID)
	}
}

func TestCloseChatChannelSetsClosingFlag(t *testing.T) {
	s := newTestStore(t)
	args := actions.Args{InstanceID: "joe-1", ChannelID: "ch-1"}
	s.Apply(progressed(actions.OpCloseChatChannel, 1, args))
	s.Apply(actions.Event{Op: actions.OpCloseChatChannel, Kind: actions.KindCompleted, Seq: 1, Args: args})

	snap := s.Channel("joe-1", "ch-1")
	if !snap.WSClose || snap.WSOpen {
		t.Fatalf("closed channel must have close set and open cleared: %+v", snap)
	}
}

func TestFailedEventRecordsCode(t *testing.T) {
	s := newTestStore(t)
	s.Apply(progressed(actions.OpGetBillingUsage, 1, actions.Args{OrgID: 1}))
	s.Apply(actions.Event{
		Op: actions.OpGetBillingUsage, Kind: actions.KindFailed, Seq: 1,
		Args: actions.Args{OrgID: 1},
		Err:  &actions.Error{Code: actions.CodeFailedFetch, Message: "failed_fetch"},
	})

	s.Read(func(st *State) {
		if !st.Billing.Error || st.Billing.ErrorMessage != "failed_fetch" {
			t.Fatalf("unexpected billing status %+v", st.Billing.Status)
		}
	})
}
