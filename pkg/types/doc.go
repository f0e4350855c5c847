/*
Package types holds the contracts shared between dbfs components.

The virtual filesystem never talks to a database directly. It hands a query
string and a set of Credentials to a QueryExecutor and writes whatever text
comes back into the shadow file. A Dialect turns a system view name and a
Format into that query string.

	vfs ──► materialize ──► QueryExecutor ──► remote server
	                │
	            Dialect (view + Format → query text)
*/
package types
