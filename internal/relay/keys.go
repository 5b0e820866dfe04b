package relay

import (
	"encoding/json"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"balancechain/internal/identity"
	"balancechain/internal/repository/directory"
	"balancechain/internal/utils/log"
)

// GetKeys serves a peer's published public keys by HID.
func (r *Relay) GetKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.directory == nil {
			http.Error(w, "key directory disabled", http.StatusNotFound)
			return
		}
		ctx := req.Context()

		vars := mux.Vars(req)
		hid := vars["hid"]

		rec, err := r.directory.GetByHid(ctx, hid)
		if err != nil {
			log.Error("relay: get keys failed", zap.String("hid", hid), zap.Error(err))
			http.Error(w, "get keys failed", http.StatusInternalServerError)
			return
		}
		if rec == nil {
			http.Error(w, "unknown hid", http.StatusNotFound)
			return
		}

		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(rec); err != nil {
			log.Error("relay: encode keys failed", zap.Error(err))
		}
	}
}

// PutKeys registers a peer's public keys. The HID must be derivable
// from the submitted signing key, so nobody can squat another
// identity's slot.
func (r *Relay) PutKeys() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		if r.directory == nil {
			http.Error(w, "key directory disabled", http.StatusNotFound)
			return
		}
		ctx := req.Context()

		var rec directory.Record
		if err := json.NewDecoder(req.Body).Decode(&rec); err != nil {
			http.Error(w, "bad record", http.StatusBadRequest)
			return
		}
		if rec.Hid == "" || identity.ComputeHID(rec.PubJwk) != rec.Hid {
			http.Error(w, "hid does not match public key", http.StatusBadRequest)
			return
		}

		if err := r.directory.Upsert(ctx, &rec); err != nil {
			log.Error("relay: upsert keys failed", zap.String("hid", rec.Hid), zap.Error(err))
			http.Error(w, "upsert failed", http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}
