/*
Package config loads orchestrator configuration from the environment.

Every knob has a documented default so a bare deployment only needs the
connectivity settings (DATABASE_URL, PROVIDER_API_KEY, PROVIDER_IMAGE,
and the demand oracle endpoint). Values that can be repaired are clamped
with a warning; contradictory values (min above max, zero poll interval)
are rejected at startup with a non-zero exit.
*/
package config
