// Package types provides the core data model shared across synapse.
// This package has ZERO dependencies on other synapse packages to avoid
// circular imports. All other packages should import types from here.
package types
