/*
Package iterator implements the two read-side traversal shapes this core
needs: ObjectIterator walks one key's version history backward through
predecessor links, and ObjectListIterator walks every key in a
collection (optionally narrowed by the query planner) evaluating a
predicate per candidate. Both consult a policy.Evaluator with the policy
program they were given before yielding a value; the invalid sentinel
op-context skips that evaluation.
*/
package iterator
