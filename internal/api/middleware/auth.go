package middleware

import (
	"crypto/subtle"
	"net/http"

	"github.com/ayemen28191/Bot.v4-sub000/pkg/crypto"
)

// adminUsername - имя пользователя админского API
const adminUsername = "admin"

// AdminAuth - middleware для защиты админских endpoints.
//
// HTTP Basic Authentication: имя пользователя сравнивается за константное
// время, пароль проверяется против bcrypt hash из конфигурации
// (ADMIN_PASSWORD_HASH). Если hash не настроен, доступ запрещен -
// админские операции (сброс ключей, отключение источников) не должны
// быть доступны анонимно.
func AdminAuth(passwordHash string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if passwordHash == "" {
				http.Error(w, "Admin endpoints disabled. Set ADMIN_PASSWORD_HASH.", http.StatusForbidden)
				return
			}

			user, pass, ok := r.BasicAuth()
			if !ok {
				w.Header().Set("WWW-Authenticate", `Basic realm="Admin endpoints"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			userMatch := subtle.ConstantTimeCompare([]byte(user), []byte(adminUsername)) == 1
			passMatch := crypto.VerifyPassword(pass, passwordHash) == nil

			if !userMatch || !passMatch {
				w.Header().Set("WWW-Authenticate", `Basic realm="Admin endpoints"`)
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
