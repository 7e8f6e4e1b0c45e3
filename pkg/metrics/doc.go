/*
Package metrics defines Caravan's prometheus collectors and a small
component-health registry.

Collectors are package-level vars registered in init and shared across
packages; the public API exposes them on GET /metrics. The health
registry backs /api/health/detailed with per-component status set during
engine startup.
*/
package metrics
