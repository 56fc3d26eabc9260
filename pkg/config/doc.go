// # Environment Variable Substitution
//
// Values of the form ${VAR_NAME} are replaced before parsing, so
// credentials can stay out of the file:
//
//	midrange:
//	  host: as400.internal
//	  library: CATLIB
//	  username: ${MIDRANGE_USER}
//	  password: ${MIDRANGE_PASSWORD}
//
// # Overrides
//
// The CLI binds its flags and CATALOGSYNC_* environment variables through
// viper; those values are applied after the file is loaded.
package config
