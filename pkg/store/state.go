package store

// Status is the lifecycle block every feature sub-object starts with.
type Status struct {
	IsProcessing bool
	IsProcessed  bool
	Error        bool
	ErrorMessage string
}

func (s *Status) startProcessing() {
	s.IsProcessing = true
	s.Error = false
	s.ErrorMessage = ""
}

func (s *Status) fail(message string) {
	s.IsProcessing = false
	s.Error = true
	s.ErrorMessage = message
}

func (s *Status) complete() {
	s.IsProcessing = false
	s.IsProcessed = true
}

type AuthState struct {
	Status
	Token      string
	UserID     int64
	IsSignedIn bool
}

type UserProfile struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
}

type UserProfileState struct {
	Status
	Data *UserProfile
}

type Org struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	Alias     string `json:"alias"`
	CreatedAt string `json:"created_at"`
}

type OrgsState struct {
	Status
	Data []Org
}

type OrgUser struct {
	ID        int64  `json:"id"`
	Email     string `json:"email"`
	FirstName string `json:"first_name"`
	LastName  string `json:"last_name"`
	RoleID    int64  `json:"role_id"`
}

type OrgRole struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OrgUsersData mirrors the reply shape: users plus assignable roles.
type OrgUsersData struct {
	Users []OrgUser `json:"users"`
	Roles []OrgRole `json:"roles"`
}

type OrgUsersState struct {
	Status
	OrgID int64
	Data  OrgUsersData
}

type AccessToken struct {
	ID        int64  `json:"id"`
	Name      string `json:"name"`
	CreatedAt string `json:"created_at"`
	ExpiresAt string `json:"expires_at"`
}

type UserTokensState struct {
	Status
	OrgID      int64
	RevokingID int64
	// CreatedToken holds the one-time secret of a freshly added token.
	CreatedToken string
	Data         []AccessToken
}

type CheckupReport struct {
	ID        int64  `json:"id"`
	ProjectID int64  `json:"project_id"`
	Epoch     string `json:"epoch"`
	CreatedAt string `json:"created_at"`
}

type ReportsState struct {
	Status
	OrgID     int64
	ProjectID int64
	ReportID  int64
	Data      []CheckupReport
}

type ReportFile struct {
	ID       int64  `json:"id"`
	ReportID int64  `json:"checkup_report_id"`
	Filename string `json:"filename"`
	Type     string `json:"type"`
	Data     string `json:"data"`
}

type ReportFilesState struct {
	Status
	ReportID int64
	Total    int
	Data     []ReportFile
}

type DbLabInstance struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	URL     string `json:"url"`
	State   string `json:"state"`
}

type DbLabInstancesState struct {
	Status
	OrgID        int64
	DestroyingID string
	Data         map[string]DbLabInstance
}

type DbLabSession struct {
	ID         string `json:"id"`
	InstanceID string `json:"instance_id"`
	Status     string `json:"status"`
	StartedAt  string `json:"started_at"`
	Duration   int64  `json:"duration"`
}

type DbLabSessionsState struct {
	Status
	InstanceID string
	Total      int
	Data       []DbLabSession
}

type JoeInstance struct {
	ID      string `json:"id"`
	Project string `json:"project"`
	URL     string `json:"url"`
}

type JoeInstancesState struct {
	Status
	OrgID        int64
	DestroyingID string
	Data         map[string]JoeInstance
}

type SessionCommand struct {
	ID        int64  `json:"id"`
	SessionID string `json:"session_id"`
	Command   string `json:"command"`
	Message   string `json:"message"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

type CommandsState struct {
	Status
	InstanceID string
	Query      string
	Total      int
	Data       []SessionCommand
}

type ArtifactFile struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Content  string `json:"content"`
}

// CommandArtifacts tracks one outstanding artifact fetch per command.
type CommandArtifacts struct {
	Status
	Files map[string]ArtifactFile
}

type ArtifactsState struct {
	ByCommand map[int64]*CommandArtifacts
}

type DataUsage struct {
	OrgID       int64   `json:"org_id"`
	DataUsageGB float64 `json:"data_usage_gb"`
	LimitGB     float64 `json:"limit_gb"`
	PeriodStart string  `json:"period_start"`
	PeriodEnd   string  `json:"period_end"`
}

type BillingState struct {
	Status
	OrgID int64
	Data  *DataUsage
}

type DownloadState struct {
	Status
	FileID   int64
	Filename string
	Path     string
}

// ChatMessage is one merged chat record. FormattedMessage and
// FormattedTime are derived and recomputed whenever the record changes.
type ChatMessage struct {
	ID               string `json:"id"`
	MessageID        string `json:"message_id"`
	SessionID        string `json:"session_id"`
	ChannelID        string `json:"channel_id"`
	Status           string `json:"status"`
	DeliveryStatus   string `json:"delivery_status"`
	Message          string `json:"message"`
	CreatedAt        string `json:"created_at"`
	UpdatedAt        string `json:"updated_at"`
	FormattedMessage string `json:"-"`
	FormattedTime    string `json:"-"`
}

// ChatChannel is one realtime conversation endpoint. The socket handle
// itself is owned by the realtime manager; the channel keeps the
// session id, merged messages and connection bookkeeping.
type ChatChannel struct {
	SessionID              string
	Messages               map[string]*ChatMessage
	WSOpen                 bool
	WSClose                bool
	WSFailed               bool
	WSRetryConnectionCount int
	WSErrorMessage         string
}

type ChatInstance struct {
	Channels map[string]*ChatChannel
}

type ChatState struct {
	Instances map[string]*ChatInstance
}

// State is the single tree every subscriber reads. It is created once
// from the initial template and mutated in place by reducers.
type State struct {
	Auth           AuthState
	UserProfile    UserProfileState
	Orgs           OrgsState
	OrgUsers       OrgUsersState
	UserTokens     UserTokensState
	Reports        ReportsState
	ReportFiles    ReportFilesState
	DbLabInstances DbLabInstancesState
	DbLabSessions  DbLabSessionsState
	JoeInstances   JoeInstancesState
	Commands       CommandsState
	Artifacts      ArtifactsState
	Billing        BillingState
	Download       DownloadState
	Chat           ChatState
}

// initialState is the template every reset starts from.
func initialState() State {
	return State{
		DbLabInstances: DbLabInstancesState{Data: map[string]DbLabInstance{}},
		JoeInstances:   JoeInstancesState{Data: map[string]JoeInstance{}},
		Artifacts:      ArtifactsState{ByCommand: map[int64]*CommandArtifacts{}},
		Chat:           ChatState{Instances: map[string]*ChatInstance{}},
	}
}
