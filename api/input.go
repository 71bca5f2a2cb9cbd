package api

import (
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/bytedance/sonic"
	"github.com/labstack/echo/v4"

	"task-api/domain"
)

const (
	inputContextKey    = "tasks.input"
	inputErrContextKey = "tasks.input_err"
)

// requestInput returns the request body merged over the query string. The
// body is read once per request; later callers get the cached copy. The
// error is an *echo.HTTPError when the body could not be read, e.g. it ran
// past the body limit or was not valid gzip.
func requestInput(c echo.Context) (domain.Input, error) {
	if in, ok := c.Get(inputContextKey).(domain.Input); ok {
		err, _ := c.Get(inputErrContextKey).(error)
		return in, err
	}
	in, err := parseInput(c)
	c.Set(inputContextKey, in)
	if err != nil {
		c.Set(inputErrContextKey, err)
	}
	return in, err
}

func parseInput(c echo.Context) (domain.Input, error) {
	in := domain.Input{}
	req := c.Request()

	if req.Body != nil && req.Body != http.NoBody {
		if isForm(req.Header.Get(echo.HeaderContentType)) {
			form, err := c.FormParams()
			if err != nil {
				if he := bodyError(err); he != nil {
					return domain.Input{}, he
				}
			}
			for k, v := range form {
				if len(v) > 0 {
					in[k] = v[0]
				}
			}
		} else {
			data, err := io.ReadAll(req.Body)
			if err != nil {
				if he := bodyError(err); he != nil {
					return domain.Input{}, he
				}
			}
			// a body that is not a JSON object counts as no input
			var body map[string]any
			if len(data) > 0 && sonic.Unmarshal(data, &body) == nil {
				for k, v := range body {
					in[k] = v
				}
			}
		}
	}

	for k, v := range c.QueryParams() {
		if _, ok := in[k]; ok || len(v) == 0 {
			continue
		}
		in[k] = v[0]
	}
	return in, nil
}

// bodyError extracts the HTTP error a body reader failed with, or nil when
// the failure was an ordinary malformed payload.
func bodyError(err error) *echo.HTTPError {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		return he
	}
	return nil
}

func isForm(contentType string) bool {
	return strings.HasPrefix(contentType, echo.MIMEApplicationForm) ||
		strings.HasPrefix(contentType, echo.MIMEMultipartForm)
}

// jsonSerializer implements echo.JSONSerializer on top of sonic.
type jsonSerializer struct{}

func (jsonSerializer) Serialize(c echo.Context, i any, indent string) error {
	enc := sonic.ConfigStd.NewEncoder(c.Response())
	if indent != "" {
		enc.SetIndent("", indent)
	}
	return enc.Encode(i)
}

func (jsonSerializer) Deserialize(c echo.Context, i any) error {
	if err := sonic.ConfigStd.NewDecoder(c.Request().Body).Decode(i); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid JSON body").SetInternal(err)
	}
	return nil
}
