// Package rfc9111 implements the parts of RFC 9111 (HTTP Caching) that a
// private, offline cache needs: deciding what may be stored, which stored
// responses a request may select, and which URIs an unsafe request touches.
//
// Comments starting with "§" quote the RFC.
package rfc9111

// §  Internet Engineering Task Force (IETF)                  R. Fielding, Ed.
// §  Request for Comments: 9111                                         Adobe
// §  STD: 98                                            M. Nottingham, Ed.
// §  Obsoletes: 7234                                                 Fastly
// §  Category: Standards Track                               J. Reschke, Ed.
// §  ISSN: 2070-1721                                             greenbytes
// §                                                               June 2022
// §
// §                               HTTP Caching
// §
// §     A "private cache", in contrast, is dedicated to a single user; often,
// §     they are deployed as a component of a user agent.
