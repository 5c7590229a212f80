package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/ksred/nextrade-api/internal/apperr"
)

func serve(err error) (*httptest.ResponseRecorder, Response) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	Handle(c, gin.H{"ok": true}, err)

	var body Response
	json.Unmarshal(w.Body.Bytes(), &body)
	return w, body
}

func TestHandle_StatusByKind(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantCode int
		wantErr  string
	}{
		{"success", nil, http.StatusOK, ""},
		{"validation", apperr.Validation("op", "shares", "must be positive", 0), http.StatusBadRequest, ErrCodeValidationFailed},
		{"not found", apperr.NotFound("op", "order", "o-1"), http.StatusNotFound, ErrCodeNotFound},
		{"gorm not found", fmt.Errorf("lookup: %w", gorm.ErrRecordNotFound), http.StatusNotFound, ErrCodeNotFound},
		{"approval rejected", apperr.New(apperr.KindApprovalRejected, "op", "order cancelled"), http.StatusOK, ErrCodeApprovalRejected},
		{"loop detected", apperr.New(apperr.KindLoopDetected, "op", "stuck agent"), http.StatusOK, ErrCodeLoopDetected},
		{"interrupted", apperr.New(apperr.KindWorkflowInterrupted, "op", "timed out"), http.StatusRequestTimeout, ErrCodeTimeout},
		{"circuit open", apperr.New(apperr.KindCircuitOpen, "op", "model unavailable"), http.StatusServiceUnavailable, ErrCodeUnavailable},
		{"unclassified", errors.New("boom"), http.StatusInternalServerError, ErrCodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := serve(tt.err)
			if w.Code != tt.wantCode {
				t.Fatalf("status = %d, want %d", w.Code, tt.wantCode)
			}
			if tt.wantErr == "" {
				if !body.Success {
					t.Fatalf("body = %s", w.Body.String())
				}
				return
			}
			if body.Success || body.Error == nil || body.Error.Code != tt.wantErr {
				t.Fatalf("body = %s, want code %s", w.Body.String(), tt.wantErr)
			}
		})
	}
}

func TestHandle_UnclassifiedErrorTextNotLeaked(t *testing.T) {
	w, body := serve(errors.New("SELECT * FROM secrets"))
	if body.Error == nil || body.Error.Message != "An unexpected error occurred" {
		t.Fatalf("body = %s", w.Body.String())
	}
}
