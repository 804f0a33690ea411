// Package config loads peer settings from YAML and the environment and
// derives the options of the cache, the transfer engine and the session
// manager from them.
//
// A configuration file only needs the keys it changes:
//
//	chunk_size: 4194304
//	compression_level: 1
//	reconcile_interval: 2s
//	cache:
//	  dir: /var/lib/p2pshare
//	log:
//	  level: debug
//	  format: json
//
// P2PSHARE_* environment variables override the file.
package config
