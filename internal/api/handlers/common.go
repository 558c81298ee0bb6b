package handlers

import (
	"net/http"

	"reviewdesk/internal/core"
	"reviewdesk/internal/types"
)

// accountID returns the authenticated account id or writes a 401 and
// returns false. Routes behind core.RequireAccount always have one; the
// check guards handlers mounted elsewhere by mistake.
func accountID(w http.ResponseWriter, r *http.Request) (string, bool) {
	id, ok := types.GetAccountID(r.Context())
	if !ok {
		core.Error(w, r, types.NewAppError(types.ErrCodeAuthIdentityMissing,
			"account identity is required", nil))
		return "", false
	}
	return id, true
}
