/*

Process of optimization

Program Text ->
	parse ->
Intermediate Representation (ir) ->
	dom, loops, scev, alias ->
Loop Idiom Rewrite (idiom) ->
	format ->
Program Text

The interp package executes the same IR directly, so a program can be
run before and after the rewrite and compared.

*/
package compiler
