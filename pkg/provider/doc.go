/*
Package provider is the gateway to the cloud GPU API.

The Client interface exposes the four pod operations the control plane
needs: create, get, list, terminate. RESTClient implements it against a
RunPod-style HTTP API and classifies every failure:

  - network errors and 5xx are transient and retried with bounded
    exponential backoff inside the caller's deadline
  - 404 on terminate means the pod is already gone, which callers treat
    as success
  - 401/403 is fatal; the action is skipped this cycle and surfaced

Fake mirrors the same classification in memory for tests, including
not-found on double termination.
*/
package provider
