package awssim

import (
	"net/http"
	"strings"
)

type parameter struct {
	Name    string
	Type    string
	Value   string
	Version int64
	// hidden counts lookups that still report the parameter as missing.
	hidden int
}

func (s *Server) registerSSM(r *JSONRouter) {
	r.Register("AmazonSSM.GetParameter", s.handleGetParameter)
	r.Register("AmazonSSM.PutParameter", s.handlePutParameter)
	r.Register("AmazonSSM.DeleteParameter", s.handleDeleteParameter)
}

// PutParameter stores a SecureString parameter.
func (s *Server) PutParameter(name, value string) {
	s.PutParameterAfter(name, value, 0)
}

// PutParameterAfter stores a parameter that reads as missing for the first
// misses lookups, the way EC2 key material shows up shortly after the key
// pair is created.
func (s *Server) PutParameterAfter(name, value string, misses int) {
	s.parameters.Put(name, parameter{Name: name, Type: "SecureString", Value: value, Version: 1, hidden: misses})
}

func (s *Server) handleGetParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name           string `json:"Name"`
		WithDecryption bool   `json:"WithDecryption"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "ValidationException", "Invalid request body", http.StatusBadRequest)
		return
	}

	var p parameter
	var visible bool
	found := s.parameters.Update(req.Name, func(stored *parameter) {
		if stored.hidden > 0 {
			stored.hidden--
			return
		}
		p, visible = *stored, true
	})
	if !found || !visible {
		AWSErrorf(w, "ParameterNotFound", http.StatusBadRequest, "Parameter %s not found.", req.Name)
		return
	}

	value := p.Value
	if p.Type == "SecureString" && !req.WithDecryption {
		value = "encrypted:" + strings.Repeat("*", 8)
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"Parameter": map[string]any{
			"Name":     p.Name,
			"Type":     p.Type,
			"Value":    value,
			"Version":  p.Version,
			"ARN":      s.arn("ssm", "parameter"+p.Name),
			"DataType": "text",
		},
	})
}

func (s *Server) handlePutParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name      string `json:"Name"`
		Value     string `json:"Value"`
		Type      string `json:"Type"`
		Overwrite bool   `json:"Overwrite"`
	}
	if err := ReadJSON(r, &req); err != nil || req.Name == "" {
		AWSError(w, "ValidationException", "Name is required", http.StatusBadRequest)
		return
	}
	version := int64(1)
	if existing, ok := s.parameters.Get(req.Name); ok {
		if !req.Overwrite {
			AWSErrorf(w, "ParameterAlreadyExists", http.StatusBadRequest, "Parameter %s already exists.", req.Name)
			return
		}
		version = existing.Version + 1
	}
	if req.Type == "" {
		req.Type = "String"
	}
	s.parameters.Put(req.Name, parameter{Name: req.Name, Type: req.Type, Value: req.Value, Version: version})
	WriteJSON(w, http.StatusOK, map[string]any{"Version": version, "Tier": "Standard"})
}

func (s *Server) handleDeleteParameter(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name string `json:"Name"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "ValidationException", "Invalid request body", http.StatusBadRequest)
		return
	}
	if !s.parameters.Delete(req.Name) {
		AWSErrorf(w, "ParameterNotFound", http.StatusBadRequest, "Parameter %s not found.", req.Name)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{})
}
