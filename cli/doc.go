/*
Package cli implements offloadcl, the command-line client to the local job
database. It lists jobs, syncs their status with the batch schedulers, cancels
them and cleans up after them. Commands run in-process against the database
selected by the offload configuration.
*/
package cli
