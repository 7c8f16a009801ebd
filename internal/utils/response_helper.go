package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/farmworkhub/consent-service/internal/models"
)

// SendOKResponse sends a 200 OK response
func SendOKResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, data)
}

// SendCreatedResponse sends a 201 Created response
func SendCreatedResponse(c *gin.Context, data interface{}) {
	c.JSON(http.StatusCreated, data)
}

// SendErrorResponse sends an error envelope with the given status code
func SendErrorResponse(c *gin.Context, statusCode int, errCode, message string) {
	c.JSON(statusCode, models.NewErrorResponse(errCode, message))
}

// SendBadRequestError sends a 400 Bad Request error
func SendBadRequestError(c *gin.Context, message string) {
	SendErrorResponse(c, http.StatusBadRequest, models.ErrCodeBadRequest, message)
}

// SendInvalidConsentError sends a 400 with the invalid-consent code
func SendInvalidConsentError(c *gin.Context, message string) {
	SendErrorResponse(c, http.StatusBadRequest, models.ErrCodeInvalidConsentValue, message)
}

// SendUnauthorizedError sends a 401 Unauthorized error
func SendUnauthorizedError(c *gin.Context, message string) {
	SendErrorResponse(c, http.StatusUnauthorized, models.ErrCodeUnauthorized, message)
}

// SendNotFoundError sends a 404 Not Found error
func SendNotFoundError(c *gin.Context, message string) {
	SendErrorResponse(c, http.StatusNotFound, models.ErrCodeNotFound, message)
}

// SendInternalServerError sends a 500 with a generic message; internal detail
// never leaves the process.
func SendInternalServerError(c *gin.Context, message string) {
	SendErrorResponse(c, http.StatusInternalServerError, models.ErrCodePersistenceFailure, message)
}

// GetUserIDFromContext extracts the authenticated user ID from the gin context
func GetUserIDFromContext(c *gin.Context) string {
	userID, exists := c.Get("userID")
	if !exists {
		return ""
	}
	return userID.(string)
}
