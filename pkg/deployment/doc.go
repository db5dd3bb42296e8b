// Package deployment runs application deployments through the pre-deploy,
// deploy and post-deploy phases of a platform.Application and tracks them
// until the deployed version passes its first health check.
//
// A Manager and everything it touches is owned by the agent's event loop.
// The phases themselves run on the deferred pool, and a finished
// deployment posts its bookkeeping back onto the loop.
package deployment
