package awssim

import (
	"encoding/json"
	"encoding/xml"
	"fmt"
	"net/http"
)

const jsonContentType = "application/x-amz-json-1.1"

// AWSError writes an AWS JSON protocol error response.
//
// AWS error format:
//
//	{"__type": "SomeException", "message": "details"}
func AWSError(w http.ResponseWriter, code string, message string, statusCode int) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"__type":  code,
		"message": message,
	})
}

// AWSErrorf writes an AWS JSON protocol error with a formatted message.
func AWSErrorf(w http.ResponseWriter, code string, statusCode int, format string, args ...any) {
	AWSError(w, code, fmt.Sprintf(format, args...), statusCode)
}

// QueryError writes an AWS Query protocol XML error response.
//
// Format:
//
//	<ErrorResponse><Error><Type>Sender</Type><Code>...</Code><Message>...</Message></Error><RequestId>...</RequestId></ErrorResponse>
func QueryError(w http.ResponseWriter, code string, message string, statusCode int) {
	type errorBody struct {
		Type    string `xml:"Type"`
		Code    string `xml:"Code"`
		Message string `xml:"Message"`
	}
	type errorResponse struct {
		XMLName   xml.Name  `xml:"ErrorResponse"`
		Error     errorBody `xml:"Error"`
		RequestID string    `xml:"RequestId"`
	}
	w.Header().Set("Content-Type", "text/xml")
	w.WriteHeader(statusCode)
	xml.NewEncoder(w).Encode(errorResponse{
		Error:     errorBody{Type: "Sender", Code: code, Message: message},
		RequestID: newRequestID(),
	})
}

// WriteJSON writes a JSON protocol response with the given status code.
func WriteJSON(w http.ResponseWriter, statusCode int, v any) {
	w.Header().Set("Content-Type", jsonContentType)
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(v)
}
