// Package config loads the daemon configuration from a JSON file, fills in
// defaults relative to the file's directory and validates driver selections
// for storage, the execution latch, event fan-out and exchange rates.
package config
