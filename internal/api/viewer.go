package api

import (
	_ "embed"
	"net/http"

	"go.uber.org/zap"
)

//go:embed viewer.html
var viewerPage []byte

func viewer(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(viewerPage); err != nil {
		zap.L().Warn("write viewer page failed", zap.Error(err))
	}
}
