// Package answer is the uniform {code, data} envelope every manager operation returns.
package answer

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"text/template"

	"github.com/grok-ai/BeER/internal/auth"
	"github.com/grok-ai/BeER/internal/k8s"
	"github.com/grok-ai/BeER/internal/repository"
	"github.com/grok-ai/BeER/internal/service"
)

// Answer is the result envelope.
type Answer struct {
	Code Code                   `json:"code"`
	Data map[string]interface{} `json:"data"`
}

// New builds an answer. A nil data map is replaced by an empty one.
func New(code Code, data map[string]interface{}) Answer {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Answer{Code: code, Data: data}
}

// With returns a copy of a carrying key=value in its data.
func (a Answer) With(key string, value interface{}) Answer {
	data := make(map[string]interface{}, len(a.Data)+1)
	for k, v := range a.Data {
		data[k] = v
	}
	data[key] = value
	return Answer{Code: a.Code, Data: data}
}

// IsError reports whether the answer carries a failure.
func (a Answer) IsError() bool { return a.Code.IsError }

var (
	templatesOnce sync.Once
	templates     map[string]*template.Template
	funcs         = template.FuncMap{"join": strings.Join}
)

func compiled() map[string]*template.Template {
	templatesOnce.Do(func() {
		templates = make(map[string]*template.Template, len(Codes))
		for _, c := range Codes {
			if c.Template == "" {
				continue
			}
			templates[c.Name] = template.Must(template.New(c.Name).Funcs(funcs).Parse(c.Template))
		}
	})
	return templates
}

// Message renders the human-readable text of a. Codes without a template, or whose template
// fails on the data at hand, render as the code name followed by the indented data.
func (a Answer) Message() string {
	if tmpl, ok := compiled()[a.Code.Name]; ok {
		var buf bytes.Buffer
		if err := tmpl.Execute(&buf, a.Data); err == nil {
			return strings.TrimRight(buf.String(), "\n")
		}
	}
	return a.fallback()
}

func (a Answer) fallback() string {
	raw, err := json.MarshalIndent(a.Data, "", "    ")
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", a.Data))
	}
	return a.Code.Name + ":\n\n" + string(raw)
}

// FromError maps err onto its answer code. The error text is always carried under "error".
func FromError(err error) Answer {
	data := map[string]interface{}{"error": err.Error()}

	var notRegistered *auth.NotRegisteredError
	if errors.As(err, &notRegistered) {
		data["admins"] = notRegistered.Admins
		return New(NotRegisteredError, data)
	}
	var denied *auth.PermissionError
	if errors.As(err, &denied) {
		data["required"] = denied.Required
		return New(PermissionError, data)
	}

	for _, m := range sentinels {
		if errors.Is(err, m.err) {
			return New(m.code, data)
		}
	}

	var orch *k8s.OrchestratorError
	if errors.As(err, &orch) {
		data["operation"] = orch.Op
		return New(OrchestratorError, data)
	}
	var storage *repository.StorageError
	if errors.As(err, &storage) {
		data["operation"] = storage.Op
		return New(StorageError, data)
	}
	return New(InternalError, data)
}

var sentinels = []struct {
	err  error
	code Code
}{
	{service.ErrAlreadyRegistered, AlreadyRegisteredError},
	{service.ErrUserNotFound, UserNotFoundError},
	{service.ErrKeyMissing, KeyMissingError},
	{service.ErrKeyInUse, KeyInUseError},
	{service.ErrNamingConflict, NamingConflictError},
	{service.ErrWorkerNotFound, WorkerNotFoundError},
	{service.ErrInvalidRequest, InvalidRequestError},
	{service.ErrInvalidKey, InvalidKeyError},
	{service.ErrUnauthorized, UnauthorizedError},
	{k8s.ErrSecretInUse, KeyInUseError},
	{repository.ErrAlreadyExists, AlreadyRegisteredError},
	{repository.ErrNotFound, UserNotFoundError},
}
