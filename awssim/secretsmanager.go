package awssim

import (
	"net/http"
	"strings"

	"github.com/google/uuid"
)

type secret struct {
	ARN         string
	Name        string
	Description string
	Value       string
	VersionID   string
	Tags        map[string]string
}

func (s *Server) registerSecretsManager(r *JSONRouter) {
	r.Register("secretsmanager.CreateSecret", s.handleCreateSecret)
	r.Register("secretsmanager.PutSecretValue", s.handlePutSecretValue)
	r.Register("secretsmanager.GetSecretValue", s.handleGetSecretValue)
	r.Register("secretsmanager.DescribeSecret", s.handleDescribeSecret)
	r.Register("secretsmanager.DeleteSecret", s.handleDeleteSecret)
}

// Secret returns the stored value of a secret by name or ARN.
func (s *Server) Secret(id string) (string, bool) {
	sec, ok := s.lookupSecret(id)
	return sec.Value, ok
}

// SecretTags returns the tags of a secret by name or ARN.
func (s *Server) SecretTags(id string) map[string]string {
	sec, _ := s.lookupSecret(id)
	return sec.Tags
}

// PutSecret stores a secret directly and returns its ARN.
func (s *Server) PutSecret(name, value string) string {
	sec := secret{
		ARN:       s.arn("secretsmanager", "secret:"+name+"-"+uuid.NewString()[:6]),
		Name:      name,
		Value:     value,
		VersionID: uuid.NewString(),
	}
	s.secrets.Put(name, sec)
	return sec.ARN
}

// lookupSecret resolves a secret ID, which may be a name or an ARN.
func (s *Server) lookupSecret(id string) (secret, bool) {
	if !strings.HasPrefix(id, "arn:") {
		return s.secrets.Get(id)
	}
	i := strings.Index(id, ":secret:")
	if i < 0 {
		return secret{}, false
	}
	name := id[i+len(":secret:"):]
	if j := strings.LastIndexByte(name, '-'); j > 0 {
		name = name[:j]
	}
	sec, ok := s.secrets.Get(name)
	if !ok || sec.ARN != id {
		return secret{}, false
	}
	return sec, true
}

func (s *Server) handleCreateSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name         string `json:"Name"`
		Description  string `json:"Description"`
		SecretString string `json:"SecretString"`
		Tags         []struct {
			Key   string `json:"Key"`
			Value string `json:"Value"`
		} `json:"Tags"`
	}
	if err := ReadJSON(r, &req); err != nil || req.Name == "" {
		AWSError(w, "InvalidParameterException", "Name is required", http.StatusBadRequest)
		return
	}
	if _, exists := s.secrets.Get(req.Name); exists {
		AWSErrorf(w, "ResourceExistsException", http.StatusBadRequest,
			"The operation failed because the secret %s already exists.", req.Name)
		return
	}

	arn := s.PutSecret(req.Name, req.SecretString)
	s.secrets.Update(req.Name, func(sec *secret) {
		sec.Description = req.Description
		sec.Tags = make(map[string]string, len(req.Tags))
		for _, t := range req.Tags {
			sec.Tags[t.Key] = t.Value
		}
	})
	sec, _ := s.secrets.Get(req.Name)
	WriteJSON(w, http.StatusOK, map[string]any{
		"ARN":       arn,
		"Name":      req.Name,
		"VersionId": sec.VersionID,
	})
}

func (s *Server) handlePutSecretValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretID     string `json:"SecretId"`
		SecretString string `json:"SecretString"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "InvalidParameterException", "Invalid request body", http.StatusBadRequest)
		return
	}
	sec, ok := s.lookupSecret(req.SecretID)
	if !ok {
		AWSError(w, "ResourceNotFoundException", "Secrets Manager can't find the specified secret.", http.StatusBadRequest)
		return
	}
	version := uuid.NewString()
	s.secrets.Update(sec.Name, func(stored *secret) {
		stored.Value = req.SecretString
		stored.VersionID = version
	})
	WriteJSON(w, http.StatusOK, map[string]any{
		"ARN":       sec.ARN,
		"Name":      sec.Name,
		"VersionId": version,
	})
}

func (s *Server) handleGetSecretValue(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretID string `json:"SecretId"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "InvalidParameterException", "Invalid request body", http.StatusBadRequest)
		return
	}
	sec, ok := s.lookupSecret(req.SecretID)
	if !ok {
		AWSError(w, "ResourceNotFoundException", "Secrets Manager can't find the specified secret.", http.StatusBadRequest)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ARN":          sec.ARN,
		"Name":         sec.Name,
		"SecretString": sec.Value,
		"VersionId":    sec.VersionID,
	})
}

func (s *Server) handleDescribeSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretID string `json:"SecretId"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "InvalidParameterException", "Invalid request body", http.StatusBadRequest)
		return
	}
	sec, ok := s.lookupSecret(req.SecretID)
	if !ok {
		AWSError(w, "ResourceNotFoundException", "Secrets Manager can't find the specified secret.", http.StatusBadRequest)
		return
	}
	tags := make([]map[string]string, 0, len(sec.Tags))
	for k, v := range sec.Tags {
		tags = append(tags, map[string]string{"Key": k, "Value": v})
	}
	WriteJSON(w, http.StatusOK, map[string]any{
		"ARN":         sec.ARN,
		"Name":        sec.Name,
		"Description": sec.Description,
		"Tags":        tags,
	})
}

func (s *Server) handleDeleteSecret(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SecretID                   string `json:"SecretId"`
		ForceDeleteWithoutRecovery bool   `json:"ForceDeleteWithoutRecovery"`
	}
	if err := ReadJSON(r, &req); err != nil {
		AWSError(w, "InvalidParameterException", "Invalid request body", http.StatusBadRequest)
		return
	}
	sec, ok := s.lookupSecret(req.SecretID)
	if !ok {
		AWSError(w, "ResourceNotFoundException", "Secrets Manager can't find the specified secret.", http.StatusBadRequest)
		return
	}
	s.secrets.Delete(sec.Name)
	WriteJSON(w, http.StatusOK, map[string]any{
		"ARN":  sec.ARN,
		"Name": sec.Name,
	})
}
