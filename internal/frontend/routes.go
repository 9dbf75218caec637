package frontend

import (
	"encoding/json"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
)

// NewRouter builds the chi.Mux every applied request (live or replicated) is
// replayed through. Routing is a pure function of method, path and body, so
// replaying the same entry on every replica produces the same response.
// provider is consulted fresh on every request rather than once at
// construction, since a snapshot install swaps in a new store instance.
func NewRouter(provider StoreProvider, collections *Collections) chi.Router {
	r := chi.NewRouter()

	r.Post("/collections/{collection}", createCollection(collections))
	r.Delete("/collections/{collection}", deleteCollection(provider, collections))
	r.Get("/collections", listCollections(collections))

	r.Post("/collections/{collection}/documents", createDocument(provider, collections))
	r.Put("/collections/{collection}/documents/{id}", upsertDocument(provider, collections))
	r.Delete("/collections/{collection}/documents/{id}", deleteDocument(provider, collections))
	r.Get("/collections/{collection}/documents/{id}", getDocument(provider, collections))

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func createCollection(collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		if collections.has(name) {
			writeError(w, http.StatusConflict, "collection already exists")
			return
		}
		collections.add(name)
		writeJSON(w, http.StatusCreated, map[string]string{"name": name})
	}
}

func listCollections(collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, collections.List())
	}
}

func deleteCollection(provider StoreProvider, collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		if !collections.has(name) {
			writeError(w, http.StatusNotFound, "collection not found")
			return
		}
		st := provider.Store()
		var delErr error
		_ = st.ScanPrefix([]byte(collectionKeyPrefix+name+":"), func(key, _ []byte) bool {
			if err := st.Delete(key); err != nil {
				delErr = err
				return false
			}
			return true
		})
		if delErr != nil {
			writeError(w, http.StatusInternalServerError, delErr.Error())
			return
		}
		collections.remove(name)
		w.WriteHeader(http.StatusNoContent)
	}
}

func createDocument(provider StoreProvider, collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		if !collections.has(name) {
			writeError(w, http.StatusNotFound, "collection not found")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var doc document
		if err := json.Unmarshal(body, &doc); err != nil || doc.ID == "" {
			writeError(w, http.StatusBadRequest, "document requires a non-empty id")
			return
		}
		if err := provider.Store().Set(docKey(name, doc.ID), body); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, doc)
	}
}

func upsertDocument(provider StoreProvider, collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		id := chi.URLParam(r, "id")
		if !collections.has(name) {
			writeError(w, http.StatusNotFound, "collection not found")
			return
		}
		body, err := io.ReadAll(r.Body)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if err := provider.Store().Set(docKey(name, id), body); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(body)
	}
}

func deleteDocument(provider StoreProvider, collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		id := chi.URLParam(r, "id")
		if !collections.has(name) {
			writeError(w, http.StatusNotFound, "collection not found")
			return
		}
		if err := provider.Store().Delete(docKey(name, id)); err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func getDocument(provider StoreProvider, collections *Collections) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "collection")
		id := chi.URLParam(r, "id")
		if !collections.has(name) {
			writeError(w, http.StatusNotFound, "collection not found")
			return
		}
		val, ok, err := provider.Store().Get(docKey(name, id))
		if err != nil {
			writeError(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "document not found")
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(val)
	}
}
