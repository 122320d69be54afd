// Package tariff defines the domain types shared by the ledger, the change
// oracle, and the reconciliation driver: tracked documents, candidates,
// identity keys, the fuzzy match predicate, and the failure taxonomy.
package tariff
