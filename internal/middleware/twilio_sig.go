package middleware

import (
	"io"
	"net/http"
	"net/url"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the echo context key holding the webhook form values.
const ParamsKey = "twilioParams"

// TwilioAuth parses Twilio webhook forms into ParamsKey and, when validate is
// set, rejects requests whose X-Twilio-Signature does not match. urlFor must
// return the public URL Twilio called, query string included.
func TwilioAuth(authToken string, validate bool, urlFor func(r *http.Request) string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			if req.Method != http.MethodPost {
				return next(c)
			}
			if validate && authToken == "" {
				return c.String(http.StatusInternalServerError, "TWILIO_AUTH_TOKEN not configured")
			}

			bodyBytes, err := io.ReadAll(req.Body)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to read request body")
			}
			formData, err := url.ParseQuery(string(bodyBytes))
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			params := make(map[string]string, len(formData))
			for key, values := range formData {
				if len(values) > 0 {
					params[key] = values[0]
				}
			}

			if validate {
				signature := req.Header.Get("X-Twilio-Signature")
				if signature == "" || !validator.Validate(urlFor(req), params, signature) {
					return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
				}
			}

			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}
