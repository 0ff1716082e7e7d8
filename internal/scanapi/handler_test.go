package scanapi

import (
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"

	"github.com/wisbric/seoscan/pkg/urlnorm"
)

func newTestHandler() *Handler {
	return NewHandler(nil, nil, nil, nil, nil, nil, slog.Default(), urlnorm.Options{})
}

func TestHandleCreate_Validation(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		wantStatus int
	}{
		{
			name:       "missing url",
			body:       `{}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "not a url",
			body:       `{"url":"not-a-url"}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "unknown service name",
			body:       `{"url":"https://example.com","services":["not_a_service"]}`,
			wantStatus: http.StatusUnprocessableEntity,
		},
		{
			name:       "invalid JSON",
			body:       `{bad}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "empty body",
			body:       ``,
			wantStatus: http.StatusBadRequest,
		},
	}

	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/scan", h.Routes())

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodPost, "/scan", strings.NewReader(tt.body))
			r.Header.Set("Content-Type", "application/json")
			w := httptest.NewRecorder()

			router.ServeHTTP(w, r)

			if w.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d; body = %s", w.Code, tt.wantStatus, w.Body.String())
			}
		})
	}
}

func TestHandleRetry_Validation(t *testing.T) {
	h := newTestHandler()
	router := chi.NewRouter()
	router.Mount("/scan", h.Routes())

	r := httptest.NewRequest(http.MethodPost, "/scan/some-id/retry", strings.NewReader(`{"services":["bogus"]}`))
	r.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()

	router.ServeHTTP(w, r)

	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want %d; body = %s", w.Code, http.StatusUnprocessableEntity, w.Body.String())
	}
}

func TestRequestedServices(t *testing.T) {
	t.Run("empty falls back to full catalogue", func(t *testing.T) {
		got := requestedServices(nil)
		if len(got) != len(catalogueStrings()) {
			t.Errorf("len = %d, want %d", len(got), len(catalogueStrings()))
		}
	})

	t.Run("explicit subset passes through", func(t *testing.T) {
		got := requestedServices([]string{"accessibility"})
		if len(got) != 1 || string(got[0]) != "accessibility" {
			t.Errorf("got %v", got)
		}
	})
}

func TestIsInvalidTransition(t *testing.T) {
	if isInvalidTransition(nil) {
		t.Error("nil error should not be an invalid transition")
	}
}
