package storage

// Key names are shared with the web client and must not change.
const (
	KeyAccessToken         = "accessToken"
	KeyUserID              = "userId"
	KeyUserRole            = "userRole"
	KeyWasPrivileged       = "wasPrivilegedUser"
	KeyLastSuccessfulLogin = "lastSuccessfulLogin"
	KeyOAuthRedirectPath   = "oauthRedirectPath"
	KeySessionExpired      = "sessionExpired"
	KeyRedirectAfterLogin  = "redirectAfterLogin"
	KeyPrevPage            = "prevPage"

	// KeyOAuthInProgress lives in tab-scoped storage only.
	KeyOAuthInProgress = "oauthInProgress"

	dismissedNotificationsPrefix = "dismissedNotifications_"
	lastNotificationCheckPrefix  = "lastNotificationCheck_"
)

func DismissedNotificationsKey(userID string) string {
	return dismissedNotificationsPrefix + userID
}

func LastNotificationCheckKey(userID string) string {
	return lastNotificationCheckPrefix + userID
}

// SessionKeys are the keys whose external modification means another
// process logged in or out.
var SessionKeys = []string{KeyAccessToken, KeyUserID, KeyUserRole}

func ContainsKey(keys []string, key string) bool {
	for _, k := range keys {
		if k == key {
			return true
		}
	}
	return false
}
