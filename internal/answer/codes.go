package answer

import "net/http"

// Code identifies an outcome. Whether it is an error is fixed when the code is defined.
type Code struct {
	Name    string
	IsError bool
	Status  int
	// Template is a text/template rendered against the answer data. Empty falls back to the raw dump.
	Template string
}

func (c Code) String() string { return c.Name }

// MarshalText encodes the code by name.
func (c Code) MarshalText() ([]byte, error) { return []byte(c.Name), nil }

func success(name, tmpl string) Code {
	return Code{Name: name, Status: http.StatusOK, Template: tmpl}
}

func failure(name string, status int, tmpl string) Code {
	return Code{Name: name, IsError: true, Status: status, Template: tmpl}
}

var (
	Ready                  = success("ready", "Manager is ready.")
	WorkerInfo             = success("worker_info", "Worker {{.worker.Hostname}} registered at {{.worker.IP}}.")
	RegistrationSuccessful = success("registration_successful", "User {{.user_id}} is now {{.permission_level}}.")
	PermissionOk           = success("permission_ok", "Permission granted.")
	SetKeySuccessful       = success("set_key_successful", "SSH key updated.")
	KeyCheck               = success("key_check", "{{if .is_set}}An SSH key is set.{{else}}No SSH key is set. Use /set_ssh_key first.{{end}}")
	DispatchOk             = success("dispatch_ok", "Job {{.job.Name}} started on {{.job.WorkerHostname}}; it expires at {{.job.Expire.Format \"2006-01-02 15:04:05 MST\"}}.")
	JobList                = success("job_list", "{{if .jobs}}{{range .jobs}}{{.Name}} on {{.WorkerHostname}}: {{.Phase}}, expires {{.Expire.Format \"2006-01-02 15:04 MST\"}}\n{{end}}{{else}}No jobs.{{end}}")
	Resources              = success("resources", "{{if .workers}}{{range $host, $gpus := .gpus}}{{$host}}: {{len $gpus}} GPU(s)\n{{end}}{{else}}No online workers.{{end}}")

	StorageError           = failure("storage_error", http.StatusInternalServerError, "Storage failure: {{.error}}")
	PermissionError        = failure("permission_error", http.StatusForbidden, "Permission denied: {{.error}}")
	AlreadyRegisteredError = failure("already_registered_error", http.StatusConflict, "Already registered: {{.error}}")
	NotRegisteredError     = failure("not_registered_error", http.StatusForbidden, "You are not registered.{{if .admins}} Ask one of: {{join .admins \", \"}}.{{end}}")
	KeyMissingError        = failure("key_missing_error", http.StatusPreconditionFailed, "No SSH key is set. Use /set_ssh_key first.")
	KeyInUseError          = failure("key_in_use_error", http.StatusConflict, "The SSH key is used by a running job; wait for it to end.")
	NamingConflictError    = failure("naming_conflict_error", http.StatusConflict, "Credential naming conflict: {{.error}}")
	WorkerNotFoundError    = failure("worker_not_found_error", http.StatusNotFound, "Worker not found: {{.error}}")
	UserNotFoundError      = failure("user_not_found_error", http.StatusNotFound, "User not found: {{.error}}")
	OrchestratorError      = failure("orchestrator_error", http.StatusBadGateway, "Orchestrator failure: {{.error}}")
	InvalidRequestError    = failure("invalid_request_error", http.StatusBadRequest, "Invalid request: {{.error}}")
	InvalidKeyError        = failure("invalid_key_error", http.StatusBadRequest, "Invalid SSH key: {{.error}}")
	UnauthorizedError      = failure("unauthorized_error", http.StatusUnauthorized, "Unauthorized.")
	RateLimitedError       = failure("rate_limited_error", http.StatusTooManyRequests, "Too many requests, retry in {{.retry_after}}s.")
	InternalError          = failure("internal_error", http.StatusInternalServerError, "Internal error: {{.error}}")
)

// Codes lists every code the manager can produce.
var Codes = []Code{
	Ready, WorkerInfo, RegistrationSuccessful, PermissionOk, SetKeySuccessful, KeyCheck, DispatchOk, JobList, Resources,
	StorageError, PermissionError, AlreadyRegisteredError, NotRegisteredError, KeyMissingError, KeyInUseError,
	NamingConflictError, WorkerNotFoundError, UserNotFoundError, OrchestratorError, InvalidRequestError,
	InvalidKeyError, UnauthorizedError, RateLimitedError, InternalError,
}

var byName = func() map[string]Code {
	m := make(map[string]Code, len(Codes))
	for _, c := range Codes {
		m[c.Name] = c
	}
	return m
}()

// Lookup returns the code registered under name.
func Lookup(name string) (Code, bool) {
	c, ok := byName[name]
	return c, ok
}

// UnmarshalText decodes a code by name. Unknown names keep the name and are treated as errors.
func (c *Code) UnmarshalText(text []byte) error {
	if known, ok := Lookup(string(text)); ok {
		*c = known
		return nil
	}
	*c = Code{Name: string(text), IsError: true, Status: http.StatusInternalServerError}
	return nil
}
