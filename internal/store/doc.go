// Package store defines run bookkeeping types shared by the pipeline and the
// persistence gateway. This package must not import database drivers or
// concrete clients.
package store
