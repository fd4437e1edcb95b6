// Package config loads the licensekit engine and host configuration.
//
// # Configuration Sources
//
// Configuration is assembled from three layers, later layers winning:
//
//	1. Default values from the struct tags
//	2. A YAML file (LICENSEKIT_CONFIG_FILE, or licensekit.yaml / configs/licensekit.yaml)
//	3. Environment variables that are explicitly set
//
// # Environment Variables
//
// All environment variables use the LICENSEKIT_ prefix and the section name:
//
//	LICENSEKIT_VENDOR_BASE_URL=https://vendors.example.com
//	LICENSEKIT_ENGINE_MAX_INPUT_RETRIES=3
//	LICENSEKIT_STORE_BACKEND=sql
//	LICENSEKIT_LOGGING_LEVEL=debug
//	LICENSEKIT_DEBUG=true
//
// Product fallback details are only read from the YAML file:
//
//	products:
//	  writer-pro:
//	    kind: sdk
//	    fallback:
//	      name: Writer Pro
//	      price: 29.99
//	      currency: USD
//	      trial_length_days: 14
package config
