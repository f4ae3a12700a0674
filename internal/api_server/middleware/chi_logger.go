package middleware

import (
	"net/http"

	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"
)

type logrusPrinter struct {
	log logrus.FieldLogger
}

func (p logrusPrinter) Print(v ...interface{}) {
	p.log.Info(v...)
}

// RequestLogger returns a middleware that logs one line per request through
// the service logger, in chi's default format.
func RequestLogger(log logrus.FieldLogger) func(http.Handler) http.Handler {
	return chimw.RequestLogger(&chimw.DefaultLogFormatter{
		Logger:  logrusPrinter{log: log},
		NoColor: true,
	})
}
