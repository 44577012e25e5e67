package lifecycle

// StartRequest is the provisioning FSM input.
type StartRequest struct {
	InstanceID string
	UserID     string
	LabID      string
}

// StartResponse is the provisioning FSM output (accumulated across transitions).
type StartResponse struct {
	// From Claim
	Claimed bool

	// From Provision
	ContainerID string
	Endpoint    string
	HostPort    int

	// From Online/Failed
	State        string
	ErrorMessage string
}

// Provisioning state names.
const (
	StateClaim     = "claim"
	StateProvision = "provision"
	StateOnline    = "online"
	StateFailed    = "failed"
)
