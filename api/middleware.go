package api

import (
	"compress/gzip"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	log "github.com/sirupsen/logrus"

	"task-api/domain"
)

const requestsChannel = "requests"

// RequestLogger logs every request with its input, minus credentials, and
// the status of the response written for it.
func RequestLogger(logger *log.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()

			logger.WithFields(log.Fields{
				"channel":    requestsChannel,
				"method":     req.Method,
				"url":        c.Scheme() + "://" + req.Host + req.RequestURI,
				"ip":         c.RealIP(),
				"user_agent": req.UserAgent(),
				"input":      redactInput(loggedInput(c)),
			}).Info("request received")

			err := next(c)
			if err != nil {
				c.Error(err)
			}

			logger.WithFields(log.Fields{
				"channel":     requestsChannel,
				"status":      c.Response().Status,
				"duration_ms": durationToMillis(time.Since(start)),
			}).Info("response sent")
			return err
		}
	}
}

func loggedInput(c echo.Context) domain.Input {
	in, _ := requestInput(c)
	return in
}

// redactInput drops the secure token and anything that looks like a password.
func redactInput(in domain.Input) map[string]any {
	out := make(map[string]any, len(in))
	for k, v := range in {
		if k == "secure_token" || strings.Contains(strings.ToLower(k), "password") {
			continue
		}
		out[k] = v
	}
	return out
}

func invalidGzip(err error) *echo.HTTPError {
	return echo.NewHTTPError(http.StatusBadRequest, "invalid gzip body").SetInternal(err)
}

// DecompressRequest inflates request bodies sent with Content-Encoding: gzip.
// A bad gzip header is rejected with 400 up front; corruption found later
// surfaces as the same 400 from the body reader.
func DecompressRequest() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if !gzipEncoded(req.Header.Get(echo.HeaderContentEncoding)) {
				return next(c)
			}

			body := req.Body
			zr, err := gzip.NewReader(body)
			if err != nil {
				_ = body.Close()
				return invalidGzip(err)
			}
			req.Body = &gzipBody{zr: zr, body: body}
			req.ContentLength = -1
			req.Header.Del(echo.HeaderContentEncoding)
			req.Header.Del(echo.HeaderContentLength)
			return next(c)
		}
	}
}

func gzipEncoded(header string) bool {
	for _, enc := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(enc), "gzip") {
			return true
		}
	}
	return false
}

type gzipBody struct {
	zr   *gzip.Reader
	body io.Closer
}

func (g *gzipBody) Read(p []byte) (int, error) {
	n, err := g.zr.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		return n, invalidGzip(err)
	}
	return n, err
}

func (g *gzipBody) Close() error {
	return errors.Join(g.zr.Close(), g.body.Close())
}
