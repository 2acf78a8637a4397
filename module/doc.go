// Package module defines the plugin contract between the task-flow engine and
// the modules it runs, and the registry that maps module type names to their
// descriptors.
//
// A module implementation registers itself once at startup:
//
//	err := registry.Register("timer", "periodic event source", "1.0.0", module.Descriptor{
//		Instantiate: func() module.Module { return newTimer(bus) },
//	})
//
// The engine then resolves every node of a flow by its type name, calls
// Instantiate, and drives the instance through Configure, SubscribeSet,
// PublishSet and Start. Teardown calls Stop and finally Descriptor.Destroy.
//
// Instantiate returning nil is how a module reports that no instance can be
// created; the engine turns that into a module-instance error.
package module
