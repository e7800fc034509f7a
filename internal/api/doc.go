// Package api is the REST client for the bus backend's seeding endpoints.
//
// Endpoints:
//   - GET {rest_url}/buses/{id}/location/        last known position
//   - GET {rest_url}/buses/{id}/trail/?limit=N   recent breadcrumb trail
//
// Both use the same bearer token as the bus streams. Seeder combines them
// into a livestate.Seed so a map can paint before the first socket push.
package api
