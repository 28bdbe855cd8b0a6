// Package lua provides a module source that runs plugin entry files written
// in Lua.
//
// An entry file is executed once per import in its own sandboxed state and
// must return a table. That table is the plugin class; instances are tables
// whose metatable indexes the class, so a class can carry both lifecycle
// functions and default fields:
//
//	local Greeter = { id = "greeter", name = "Greeter", version = "1.0.0" }
//
//	function Greeter:onActivate()
//	  self.greeting = "hello"
//	end
//
//	function Greeter:getState()
//	  return { greeting = self.greeting }
//	end
//
//	function Greeter:setState(state)
//	  self.greeting = state.greeting
//	end
//
//	return Greeter
//
// Lifecycle functions may be spelled onLoad or OnLoad. A class with a new
// function builds its own instances; new is called with the class as its
// only argument and must return a table.
//
// Only the base, table, string and math libraries are available. Files
// cannot be loaded at run time and print goes to the host logger.
package lua
