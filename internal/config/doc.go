// Package config handles HCL policy parsing and validation.
//
// # Overview
//
// The policy file declares listeners, zones, services and ordered rules:
//
//	listener "intercept" {
//	  address = "0.0.0.0:50000"
//	  mode    = "tproxy"
//	}
//
//	zone "servers.audit" {
//	  addrs        = ["172.16.21.1/32"]
//	  admin_parent = "servers"
//	}
//
//	service "http_transparent" {
//	  proxy = "http"
//	  router "transparent" {}
//	}
//
//	rule {
//	  service  = "http_transparent"
//	  dst_port = 80
//	  src_zone = "clients"
//	  dst_zone = ["servers"]
//	}
//
// Rule predicates are decoded as raw expressions and then evaluated with
// go-cty so that both scalar and list forms are accepted. A bare string zone
// predicate names exactly one zone; a list means any of the listed zones.
//
// # Key Types
//
//   - [Config]: top-level policy file
//   - [Service], [Rule], [Zone]: policy records
//   - [ValidationErrors]: load-time configuration errors
package config
