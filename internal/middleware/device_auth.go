package middleware

import (
	"context"
	"net/http"
	"strings"

	"github.com/medvault-app/medsyncgo/internal/config"
	"github.com/medvault-app/medsyncgo/internal/database"
	"github.com/medvault-app/medsyncgo/internal/models"
	"github.com/medvault-app/medsyncgo/internal/utils"
)

type deviceContextKey string

const DeviceContextKey deviceContextKey = "device"

// DeviceAuthMiddleware verifies device sync tokens
// Similar to AuthMiddleware but resolves the claims against the
// enrolled_devices table, so blocked devices fail even with a valid token
func DeviceAuthMiddleware(db *database.DB, cfg *config.Config) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				http.Error(w, "Authorization header required", http.StatusUnauthorized)
				return
			}

			// Bearer token
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				http.Error(w, "Invalid authorization header format", http.StatusUnauthorized)
				return
			}

			claims, err := utils.ValidateToken(parts[1], cfg.JWTSecret)
			if err != nil {
				http.Error(w, "Invalid or expired token", http.StatusUnauthorized)
				return
			}

			// Extract device ID from claims
			deviceID, ok := claims["device_id"].(string)
			if !ok || claims["type"] != "device" {
				http.Error(w, "Invalid token: missing device_id", http.StatusUnauthorized)
				return
			}

			// Load the device from the database
			var device models.EnrolledDevice
			if err := db.Where("device_id = ?", deviceID).First(&device).Error; err != nil {
				http.Error(w, "Device not found", http.StatusUnauthorized)
				return
			}

			if device.Status != models.DeviceStatusActive {
				http.Error(w, "Device is not authorized to sync", http.StatusForbidden)
				return
			}

			// Add device to context
			ctx := context.WithValue(r.Context(), DeviceContextKey, &device)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetDeviceFromContext retrieves the enrolled device from request context
func GetDeviceFromContext(ctx context.Context) (*models.EnrolledDevice, bool) {
	device, ok := ctx.Value(DeviceContextKey).(*models.EnrolledDevice)
	return device, ok
}
