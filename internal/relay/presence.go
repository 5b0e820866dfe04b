package relay

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"balancechain/internal/utils/log"
)

type presenceStatus struct {
	Hid    string `json:"hid"`
	Online bool   `json:"online"`
	Since  int64  `json:"since,omitempty"`
}

// GetPresence reports whether a HID currently holds a relay
// connection, here or (through the shared presence keys) on a sibling
// instance.
func (r *Relay) GetPresence() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		ctx := req.Context()
		hid := mux.Vars(req)["hid"]

		r.mu.Lock()
		_, online := r.clients[hid]
		r.mu.Unlock()

		st := presenceStatus{Hid: hid, Online: online}
		if r.redisService != nil {
			if !st.Online {
				exists, err := r.redisService.Exists(ctx, "presence:"+hid)
				if err != nil {
					log.Error("relay: presence lookup failed", zap.String("hid", hid), zap.Error(err))
					http.Error(w, "presence lookup failed", http.StatusInternalServerError)
					return
				}
				st.Online = exists
			}
			if st.Online {
				if v, err := r.redisService.Get(ctx, "presence:"+hid); err == nil {
					st.Since, _ = strconv.ParseInt(v, 10, 64)
				}
			}
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(st); err != nil {
			log.Error("relay: encode presence failed", zap.Error(err))
		}
	}
}
