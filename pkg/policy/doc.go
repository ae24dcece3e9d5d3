/*
Package policy defines the evaluator contract every read and write
consults before it is allowed to proceed: each collection may carry a
policy program (stored at the reserved "policy" key), and every value
read from or written to the collection is checked against it with the
requesting identity bound in.
*/
package policy
