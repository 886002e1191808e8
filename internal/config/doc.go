// Package config loads the attestd JSON configuration file and fills in
// defaults for every section left empty.
package config
