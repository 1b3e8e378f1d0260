package middlewares

import (
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/freshledger/utils"
)

func newTestRouter(handlers ...gin.HandlerFunc) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(CorrelationMiddleware(), ActorMiddleware())
	r.GET("/who", append(handlers, func(c *gin.Context) {
		userId, _ := utils.GetUserIdFromContext(c.Request.Context())
		name, _ := utils.GetUserNameFromContext(c.Request.Context())
		cid, _ := utils.GetCorrelationIdFromContext(c.Request.Context())
		c.String(http.StatusOK, strconv.Itoa(userId)+"|"+name+"|"+cid)
	})...)
	return r
}

func TestActorMiddlewareAttributesRequest(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(HeaderUserId, "42")
	req.Header.Set(HeaderUserName, "Ko Min")
	req.Header.Set(HeaderCorrelationId, "abc-123")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	if got := w.Body.String(); got != "42|Ko Min|abc-123" {
		t.Fatalf("body = %q", got)
	}
	if w.Header().Get(HeaderCorrelationId) != "abc-123" {
		t.Fatalf("correlation id not echoed")
	}
}

func TestActorMiddlewareRejectsMalformedId(t *testing.T) {
	r := newTestRouter()
	for _, raw := range []string{"abc", "0", "-4"} {
		req := httptest.NewRequest(http.MethodGet, "/who", nil)
		req.Header.Set(HeaderUserId, raw)
		w := httptest.NewRecorder()
		r.ServeHTTP(w, req)
		if w.Code != http.StatusUnauthorized {
			t.Errorf("%q: status = %d, want 401", raw, w.Code)
		}
	}
}

func TestRequireActor(t *testing.T) {
	r := newTestRouter(RequireActor())

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/who", nil))
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("anonymous status = %d, want 401", w.Code)
	}

	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(HeaderUserId, "5")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	if w.Code != http.StatusOK || !strings.HasPrefix(w.Body.String(), "5|") {
		t.Fatalf("attributed request: %d %q", w.Code, w.Body.String())
	}
}

func TestCorrelationMiddlewareGeneratesId(t *testing.T) {
	r := newTestRouter()
	req := httptest.NewRequest(http.MethodGet, "/who", nil)
	req.Header.Set(HeaderCorrelationId, strings.Repeat("x", 65))
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	cid := w.Header().Get(HeaderCorrelationId)
	if len(cid) != 36 {
		t.Fatalf("expected generated uuid, got %q", cid)
	}
	if !strings.HasSuffix(w.Body.String(), "|"+cid) {
		t.Fatalf("context id %q does not match header %q", w.Body.String(), cid)
	}
}
