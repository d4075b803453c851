// Package resolver serves the engine's resource lookups.
//
// A lookup is answered, in order, by rejecting names that contain a path
// separator, by the negative table, by the positive table, and finally by
// the origin:
//
//	GET <endpoint><engine class>/<format>/<name>      named files
//	GET <endpoint><engine class>/pk/<dpi>/<name>      bitmap fonts
//
// A 200 response carries the origin-assigned id in the fileid (or pkid)
// header; the body is stored under that id in the cache root. A 301 means
// the resource will never exist and is remembered for the life of the
// process. Transport failures and other statuses are not remembered, so the
// next lookup tries again.
package resolver
