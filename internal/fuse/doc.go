/*
Package fuse mounts the dbfs dispatcher through the kernel FUSE driver.

The dispatcher in package vfs is path based and returns negative errno
values. This package only adapts it to a FUSE binding:

	┌─────────────────────────────────────────────┐
	│     User tools (ls, cat, grep, editors)     │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│          Kernel VFS / FUSE driver           │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│              dbfs FUSE layer                │  ← This Package
	│   ┌─────────────┐      ┌─────────────────┐  │
	│   │ go-fuse     │      │ cgofuse         │  │
	│   │ (default)   │      │ (-tags cgofuse) │  │
	│   └─────────────┘      └─────────────────┘  │
	└─────────────────────────────────────────────┘
	                      │
	┌─────────────────────────────────────────────┐
	│      vfs dispatcher → shadow dump tree      │
	│               └→ materializer → database    │
	└─────────────────────────────────────────────┘

# Bindings

The default build uses github.com/hanwen/go-fuse/v2. Node recomputes its
virtual path on every call and forwards to the dispatcher, so the inode
tree held by go-fuse carries no state of its own.

Building with -tags cgofuse uses github.com/winfsp/cgofuse instead. cgofuse
is path based, so CgoFuseFS is a thin type conversion layer.

# Generated files

Files backed by a database server report size zero until they are opened.
Both bindings open them with direct I/O and the go-fuse binding disables
attribute caching for them, so every open re-runs the query and reads see
the fresh content.

# Mounting

	mgr := fuse.CreatePlatformMountManager(dispatcher, &fuse.MountConfig{
		MountPoint: "/mnt/db",
		Options:    fuse.DefaultMountOptions(),
	}, logger)
	if err := mgr.Mount(ctx); err != nil {
		return err
	}
	defer mgr.Unmount()
*/
package fuse
