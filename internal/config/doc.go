// Dumpvault - Encrypted Database Backup Orchestration
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/dumpvault

// Package config loads and validates Dumpvault configuration.
//
// Configuration is layered with Koanf v2, later layers overriding earlier ones:
//
//  1. Built-in defaults (defaultConfig)
//  2. YAML file: the --config flag, DUMPVAULT_CONFIG, or the first of
//     DefaultConfigPaths that exists
//  3. Environment variables listed in envMappings (DUMPVAULT_* names)
//
// Destinations and jobs are lists and are only read from the YAML file.
//
// # Destinations
//
// A destination is a tagged union: Type selects exactly one of the s3, ssh
// or local blocks, and Validate rejects a destination whose selected block
// is missing or whose other blocks are present. The union is resolved once
// at load time; nothing downstream searches configuration by name across
// types.
//
//	destinations:
//	  - name: offsite
//	    type: s3
//	    max_disk_usage: 53687091200
//	    s3:
//	      bucket: db-backups
//	      region: eu-central-1
//	  - name: nas
//	    type: ssh
//	    ssh:
//	      host: nas.lan
//	      user: backup
//	      private_key_path: /etc/dumpvault/id_ed25519
//	      base_path: /volume1/backups
//
// # Jobs
//
//	jobs:
//	  - name: orders-hourly
//	    source: orders
//	    destinations: [offsite, nas]
//	    schedule_type: cron
//	    schedule_value: "0 * * * *"
//	    encrypted: true
//
// Encryption is a per-job switch: every destination of an encrypted job
// receives the encrypted artifact.
package config
