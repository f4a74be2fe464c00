package response

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"coinledger/internal/ledger"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestErrorFrom(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   int
		wantMsg    string
	}{
		{"insufficient funds", ledger.ErrInsufficientFunds, http.StatusOK, CodeFailedPrecondition, "硬币余额不足"},
		{"referral used", ledger.ErrReferralUsed, http.StatusOK, CodeAlreadyExists, "已经使用过推荐码"},
		{"not found", ledger.ErrReferrerNotFound, http.StatusOK, CodeNotFound, "推荐码不存在"},
		{"invalid", ledger.ErrSelfReferral, http.StatusOK, CodeParamError, "不能使用自己的推荐码"},
		{"permission", ledger.ErrPermissionDenied, http.StatusOK, CodeForbidden, "没有操作权限"},
		{"unauthenticated", ledger.ErrUnauthenticated, http.StatusUnauthorized, CodeUnauthorized, "未登录或登录已失效"},
		{"tx conflict", fmt.Errorf("%w: version", ledger.ErrTxConflict), http.StatusOK, CodeServerError, serverBusyMessage},
		{"raw store error", errors.New("dial tcp 10.0.0.1:3306: connection refused"), http.StatusOK, CodeServerError, serverBusyMessage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			c.Request = httptest.NewRequest(http.MethodGet, "/", nil)

			ErrorFrom(c, tt.err)

			assert.Equal(t, tt.wantStatus, w.Code)
			var body Response
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body.Code)
			assert.Equal(t, tt.wantMsg, body.Message)
		})
	}
}
