// Package model defines the domain entity views and topic helpers shared
// across the engine and its consumers.
package model
