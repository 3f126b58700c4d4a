package router

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"

	"github.com/patrickmn/go-cache"

	"taskpilot/internal/models"
)

// cacheable reports whether a request's answer may be reused: temperature is
// explicitly zero and no memory context is involved.
func cacheable(req models.RouteRequest) bool {
	return req.Temperature != nil && *req.Temperature == 0 && len(req.MemoryKeywords) == 0
}

func cacheKey(req models.RouteRequest, tierID string) string {
	h := sha256.New()
	h.Write([]byte(tierID))
	h.Write([]byte{0})
	h.Write([]byte(strconv.Itoa(req.MaxTokens)))
	h.Write([]byte{0})
	h.Write([]byte(req.Prompt))
	return req.OrgID + ":" + hex.EncodeToString(h.Sum(nil))
}

func (r *Router) cachedResponse(key string) (models.RouteResponse, bool) {
	if r.cache == nil {
		return models.RouteResponse{}, false
	}
	v, found := r.cache.Get(key)
	if r.metrics != nil {
		r.metrics.RecordCacheLookup(found)
	}
	if !found {
		return models.RouteResponse{}, false
	}
	return v.(models.RouteResponse), true
}

func (r *Router) storeResponse(key string, resp models.RouteResponse) {
	if r.cache == nil {
		return
	}
	r.cache.Set(key, resp, cache.DefaultExpiration)
}
