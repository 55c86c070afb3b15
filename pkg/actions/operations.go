// Package actions is the catalog of asynchronous operations the console
// UI can request. Every operation moves through progressed and then
// exactly one of completed/failed, and every lifecycle step is one
// Event value applied to the store.
package actions

import "github.com/postgres-ai/platform-console/pkg/gateway"

type Operation string

const (
	OpSignIn            Operation = "signIn"
	OpSignOut           Operation = "signOut"
	OpGetUserProfile    Operation = "getUserProfile"
	OpUpdateUserProfile Operation = "updateUserProfile"

	OpGetOrgs    Operation = "getOrgs"
	OpCreateOrg  Operation = "createOrg"
	OpUpdateOrg  Operation = "updateOrg"
	OpGetOrgUsers Operation = "getOrgUsers"

	OpGetAccessTokens   Operation = "getAccessTokens"
	OpCreateAccessToken Operation = "createAccessToken"
	OpRevokeAccessToken Operation = "revokeAccessToken"

	OpGetCheckupReports     Operation = "getCheckupReports"
	OpGetCheckupReportFiles Operation = "getCheckupReportFiles"
	OpDownloadReportFile    Operation = "downloadReportFile"

	OpGetDbLabInstances    Operation = "getDbLabInstances"
	OpCreateDbLabInstance  Operation = "createDbLabInstance"
	OpDestroyDbLabInstance Operation = "destroyDbLabInstance"
	OpGetDbLabSessions     Operation = "getDbLabSessions"

	OpGetJoeInstances    Operation = "getJoeInstances"
	OpCreateJoeInstance  Operation = "createJoeInstance"
	OpDestroyJoeInstance Operation = "destroyJoeInstance"

	OpGetJoeSessionCommands Operation = "getJoeSessionCommands"
	OpSendJoeCommand        Operation = "sendJoeCommand"
	OpGetCommandArtifacts   Operation = "getCommandArtifacts"
	OpCloseChatChannel      Operation = "closeChatChannel"

	OpGetBillingUsage Operation = "getBillingUsage"
)

// Operations enumerates the full catalog in a stable order.
func Operations() []Operation {
	return []Operation{
		OpSignIn, OpSignOut, OpGetUserProfile, OpUpdateUserProfile,
		OpGetOrgs, OpCreateOrg, OpUpdateOrg, OpGetOrgUsers,
		OpGetAccessTokens, OpCreateAccessToken, OpRevokeAccessToken,
		OpGetCheckupReports, OpGetCheckupReportFiles, OpDownloadReportFile,
		OpGetDbLabInstances, OpCreateDbLabInstance, OpDestroyDbLabInstance,
		OpGetDbLabSessions,
		OpGetJoeInstances, OpCreateJoeInstance, OpDestroyJoeInstance,
		OpGetJoeSessionCommands, OpSendJoeCommand, OpGetCommandArtifacts,
		OpCloseChatChannel,
		OpGetBillingUsage,
	}
}

type Kind uint8

const (
	KindProgressed Kind = iota + 1
	KindCompleted
	KindFailed
)

func (k Kind) String() string {
	switch k {
	case KindProgressed:
		return "progressed"
	case KindCompleted:
		return "completed"
	case KindFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Code is the UI-facing failure code.
type Code string

const (
	// CodeFailedFetch maps a gate timeout.
	CodeFailedFetch Code = "failed_fetch"
	// CodeWrongReply maps an empty, unparsable, or otherwise broken reply.
	CodeWrongReply Code = "wrong_reply"
)

type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string { return e.Message }

// Args carries the contextual identifiers an invocation was made with.
// The store needs them to know which slice of state a reply belongs to.
type Args struct {
	Email      string
	OrgID      int64
	ProjectID  int64
	ReportID   int64
	TokenID    int64
	CommandID  int64
	FileID     int64
	InstanceID string
	ChannelID  string
	SessionID  string
	FileType   string
	Query      string
	Limit      int
}

// Event is one lifecycle step of one operation invocation. Kind decides
// which fields are populated: Reply for completed JSON calls, File for
// the completed download path, Err for failed.
type Event struct {
	Op    Operation
	Kind  Kind
	Seq   uint64
	Args  Args
	Reply gateway.Reply
	File  *gateway.SavedFile
	Err   *Error
}

// toOpError converts a gateway failure into the UI-facing error pair.
func toOpError(err error) *Error {
	if gwErr, ok := err.(*gateway.Error); ok && gwErr.Kind == gateway.KindTimedOut {
		return &Error{Code: CodeFailedFetch, Message: string(CodeFailedFetch)}
	}
	return &Error{Code: CodeWrongReply, Message: string(CodeWrongReply)}
}
