// Package awssim is an in-process simulator for the slice of the AWS API the
// deployment tooling and the key handler call: SSM parameters, Secrets
// Manager, CloudWatch Logs events and STS caller identity.
package awssim

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/google/uuid"
)

const (
	DefaultAccount = "123456789012"
	DefaultRegion  = "us-east-1"
)

// Server is a running simulator.
type Server struct {
	URL     string
	Account string
	Region  string

	http       *httptest.Server
	parameters *StateStore[parameter]
	secrets    *StateStore[secret]
	logEvents  *StateStore[[]LogEvent]

	mu       sync.Mutex
	faults   map[string][]fault
	requests map[string]int
}

type fault struct {
	code   string
	status int
}

// Start launches a simulator on a loopback port.
func Start() *Server {
	s := &Server{
		Account:    DefaultAccount,
		Region:     DefaultRegion,
		parameters: NewStateStore[parameter](),
		secrets:    NewStateStore[secret](),
		logEvents:  NewStateStore[[]LogEvent](),
		faults:     make(map[string][]fault),
		requests:   make(map[string]int),
	}

	jsonRouter := NewJSONRouter()
	s.registerSSM(jsonRouter)
	s.registerSecretsManager(jsonRouter)
	s.registerLogs(jsonRouter)

	queryRouter := NewQueryRouter()
	s.registerSTS(queryRouter)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		if target := r.Header.Get("X-Amz-Target"); target != "" {
			s.count(target)
			if f, ok := s.nextFault(target); ok {
				AWSError(w, f.code, "injected fault", f.status)
				return
			}
			jsonRouter.ServeHTTP(w, r)
			return
		}
		queryRouter.ServeHTTP(w, r)
	})

	s.http = httptest.NewServer(mux)
	s.URL = s.http.URL
	return s
}

// Close shuts the simulator down.
func (s *Server) Close() {
	s.http.Close()
}

// AWSConfig returns an SDK configuration pointed at the simulator with
// static credentials.
func (s *Server) AWSConfig() aws.Config {
	return aws.Config{
		Region:       s.Region,
		Credentials:  credentials.NewStaticCredentialsProvider("test", "test", ""),
		BaseEndpoint: aws.String(s.URL),
	}
}

// Fail makes the next call to target return an error with the given code.
// Calls queue up; each injected fault is consumed once.
func (s *Server) Fail(target, code string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.faults[target] = append(s.faults[target], fault{code: code, status: status})
}

// Requests returns how many times target has been called.
func (s *Server) Requests(target string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[target]
}

func (s *Server) count(target string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests[target]++
}

func (s *Server) nextFault(target string) (fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	q := s.faults[target]
	if len(q) == 0 {
		return fault{}, false
	}
	s.faults[target] = q[1:]
	return q[0], true
}

func (s *Server) arn(service, resource string) string {
	return fmt.Sprintf("arn:aws:%s:%s:%s:%s", service, s.Region, s.Account, resource)
}

func newRequestID() string {
	return uuid.NewString()
}
