// Package taskrunner assembles engine collaborators from configuration and runs pipeline
// definitions with them.
package taskrunner
