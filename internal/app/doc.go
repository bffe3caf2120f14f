// Package app assembles the transport, authentication and admin layers into
// runnable server and client processes. Every collaborator is held by an
// explicit context value; nothing is process-global.
package app
