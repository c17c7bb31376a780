package httputil

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"keysync-service/internal/domain"
	"keysync-service/pkg/codec"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{name: "access denied", err: domain.ErrAccessDenied, wantStatus: http.StatusForbidden, wantCode: "ACCESS_CHANGED"},
		{name: "stale key version looks the same to the user", err: fmt.Errorf("push: %w", domain.ErrStaleKeyVersion), wantStatus: http.StatusForbidden, wantCode: "ACCESS_CHANGED"},
		{name: "no key", err: domain.ErrNoKey, wantStatus: http.StatusNotFound, wantCode: "NO_KEY"},
		{name: "not found", err: domain.ErrNotFound, wantStatus: http.StatusNotFound, wantCode: "NOT_FOUND"},
		{name: "rotation in progress", err: domain.ErrRotationInProgress, wantStatus: http.StatusConflict, wantCode: "ROTATION_IN_PROGRESS"},
		{name: "rotation not abortable", err: domain.ErrRotationNotAbortable, wantStatus: http.StatusConflict, wantCode: "ROTATION_NOT_ABORTABLE"},
		{name: "chain broken", err: domain.ErrChainBroken, wantStatus: http.StatusServiceUnavailable, wantCode: "AUDIT_CHAIN_BROKEN"},
		{name: "invalid envelope", err: domain.ErrInvalidEnvelope, wantStatus: http.StatusBadRequest, wantCode: "INVALID_REQUEST"},
		{name: "invariant violation", err: domain.ErrInvariantViolation, wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
		{name: "unknown error", err: errors.New("boom"), wantStatus: http.StatusInternalServerError, wantCode: "INTERNAL_ERROR"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, _ := StatusOf(tt.err)
			if status != tt.wantStatus || code != tt.wantCode {
				t.Errorf("StatusOf() = %d %s, want %d %s", status, code, tt.wantStatus, tt.wantCode)
			}
		})
	}
}

func TestStatusOf_HidesInternalDetails(t *testing.T) {
	_, _, message := StatusOf(fmt.Errorf("dsn user:secret@tcp: %w", domain.ErrInvariantViolation))
	if strings.Contains(message, "secret") {
		t.Errorf("internal error message leaked details: %q", message)
	}
}

func TestDecodeAndRespond_CBOR(t *testing.T) {
	type payload struct {
		Name string `cbor:"name" json:"name"`
	}
	body, err := codec.Marshal(payload{Name: "ledger"})
	if err != nil {
		t.Fatalf("Marshal() error = %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(string(body)))
	req.Header.Set("Content-Type", ContentTypeCBOR)
	req.Header.Set("Accept", ContentTypeCBOR)

	var got payload
	if err := Decode(req, &got); err != nil {
		t.Fatalf("Decode() error = %v", err)
	}
	if got.Name != "ledger" {
		t.Errorf("Name = %q, want ledger", got.Name)
	}

	rec := httptest.NewRecorder()
	Respond(rec, req, http.StatusOK, got)
	if ct := rec.Header().Get("Content-Type"); ct != ContentTypeCBOR {
		t.Errorf("Content-Type = %q, want %q", ct, ContentTypeCBOR)
	}
	var echoed payload
	if err := codec.Unmarshal(rec.Body.Bytes(), &echoed); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if echoed != got {
		t.Errorf("echoed = %+v, want %+v", echoed, got)
	}
}
