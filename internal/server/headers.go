package server

import (
	"net/http"
	"strconv"

	"github.com/routiium/routiium/internal/router"
)

// setPlanHeaders exposes route-plan metadata to the client.
func setPlanHeaders(w http.ResponseWriter, res *router.Resolution) {
	h := w.Header()
	plan := res.Plan

	if plan.RouteID != "" {
		h.Set("x-route-id", plan.RouteID)
	}
	if plan.ModelID != "" {
		h.Set("x-resolved-model", plan.ModelID)
	}
	if plan.PolicyRev != "" {
		h.Set("x-policy-rev", plan.PolicyRev)
	}
	if plan.SchemaVersion > 0 {
		h.Set("router-schema", strconv.Itoa(plan.SchemaVersion))
	}
	if plan.ContentUsed != "" {
		h.Set("x-content-used", plan.ContentUsed)
	}
	if res.CacheState != "" {
		h.Set("x-route-cache", res.CacheState)
	}
}
