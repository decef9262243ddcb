package telephony

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"net/http"
	"strings"

	"collections-dialer/internal/dispatch"
	"collections-dialer/pkg/logger"

	"github.com/gin-gonic/gin"
)

const signatureHeader = "X-PBX-Signature"

// WebhookHandler turns PBX call webhooks into dispatcher payloads.
//
// No call-state logic here. When Secret is set the body must carry a valid
// HMAC-SHA256 signature in X-PBX-Signature (hex, optional "sha256=" prefix).
type WebhookHandler struct {
	Sink   dispatch.Sink
	Secret string
}

func (h WebhookHandler) Handle(c *gin.Context) {
	log := logger.FromGin(c)

	if h.Sink == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "event sink not configured"})
		return
	}

	body, err := io.ReadAll(io.LimitReader(c.Request.Body, 1<<20))
	if err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unreadable body"})
		return
	}

	if h.Secret != "" && !validSignature(h.Secret, body, c.GetHeader(signatureHeader)) {
		log.Warn("pbx webhook signature mismatch")
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid signature"})
		return
	}

	p, err := dispatch.DecodeJSON(body)
	if err != nil {
		log.Warn("pbx webhook payload rejected", "err", err)
		c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown payload"})
		return
	}

	if err := h.Sink.Publish(c.Request.Context(), p); err != nil {
		if errors.Is(err, dispatch.ErrUnknownPayload) {
			c.AbortWithStatusJSON(http.StatusUnprocessableEntity, gin.H{"error": "unknown payload"})
			return
		}
		log.Error("pbx webhook publish failed", "err", err)
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "publish failed"})
		return
	}

	c.JSON(http.StatusAccepted, gin.H{"status": "accepted"})
}

func validSignature(secret string, body []byte, got string) bool {
	got = strings.TrimPrefix(strings.TrimSpace(got), "sha256=")
	if got == "" {
		return false
	}
	sig, err := hex.DecodeString(got)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(sig, mac.Sum(nil))
}
