package middleware

import "github.com/labstack/echo/v4"

const staffIDKey = "staff_id"

// StaffID returns the authenticated staff member's id, or "" for
// unauthenticated requests.
func StaffID(c echo.Context) string {
	if s, ok := c.Get(staffIDKey).(string); ok {
		return s
	}
	return ""
}
