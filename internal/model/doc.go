// Package model defines process models: immutable directed graphs of start,
// activity, split, join and end nodes.
//
// Models are authored as CUE or YAML, built and validated with New, and
// persisted by the engine. A model never changes once built; Revise returns a
// new version instead.
package model
