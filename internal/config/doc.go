// Package config handles YAML configuration loading for the marketfeed CLI.
//
// Configuration files support ${VAR} syntax for environment variable
// interpolation. Variables may come from the process environment or from a
// .env file loaded with LoadDotEnv.
package config
