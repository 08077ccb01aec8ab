package awssim

import (
	"encoding/json"
	"io"
	"net/http"
)

// JSONRouter routes AWS JSON protocol requests on the X-Amz-Target header.
// Services such as SSM use POST with X-Amz-Target: ServiceName.ActionName.
type JSONRouter struct {
	handlers map[string]http.HandlerFunc
}

// NewJSONRouter creates an empty JSON protocol router.
func NewJSONRouter() *JSONRouter {
	return &JSONRouter{handlers: make(map[string]http.HandlerFunc)}
}

// Register adds a handler for an X-Amz-Target value.
// Example target: "AmazonSSM.GetParameter"
func (r *JSONRouter) Register(target string, handler http.HandlerFunc) {
	r.handlers[target] = handler
}

// ServeHTTP dispatches to the handler matching the X-Amz-Target header.
func (r *JSONRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	target := req.Header.Get("X-Amz-Target")
	if target == "" {
		AWSError(w, "MissingAction", "X-Amz-Target header is required", http.StatusBadRequest)
		return
	}
	handler, ok := r.handlers[target]
	if !ok {
		AWSErrorf(w, "UnknownOperationException", http.StatusBadRequest, "Unknown operation: %s", target)
		return
	}
	handler(w, req)
}

// QueryRouter routes AWS Query protocol requests on the Action form value.
// STS uses POST with a form-encoded body containing Action=OperationName.
type QueryRouter struct {
	handlers map[string]http.HandlerFunc
}

// NewQueryRouter creates an empty query protocol router.
func NewQueryRouter() *QueryRouter {
	return &QueryRouter{handlers: make(map[string]http.HandlerFunc)}
}

// Register adds a handler for an Action value.
func (r *QueryRouter) Register(action string, handler http.HandlerFunc) {
	r.handlers[action] = handler
}

// ServeHTTP dispatches to the handler matching the Action form parameter.
func (r *QueryRouter) ServeHTTP(w http.ResponseWriter, req *http.Request) {
	if err := req.ParseForm(); err != nil {
		QueryError(w, "MalformedInput", "Could not parse form body", http.StatusBadRequest)
		return
	}
	action := req.FormValue("Action")
	if action == "" {
		QueryError(w, "MissingAction", "Action parameter is required", http.StatusBadRequest)
		return
	}
	handler, ok := r.handlers[action]
	if !ok {
		QueryError(w, "InvalidAction", "The action "+action+" is not valid", http.StatusBadRequest)
		return
	}
	handler(w, req)
}

// ReadJSON reads and decodes a JSON request body into v.
func ReadJSON(r *http.Request, v any) error {
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	return json.Unmarshal(body, v)
}
