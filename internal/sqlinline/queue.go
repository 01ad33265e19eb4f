// Package sqlinline keeps the queries that must stay verbatim SQL, each
// tagged with a stable marker so the lint tool can find and check them.
package sqlinline

const QClaimJob = `--sql 8c1e2f6a-9d47-4b0e-8c53-2f1a7d90c4be
with next_job as (
    select id
    from jobs
    where status = 'pending'
    order by created_at asc
    for update skip locked
    limit 1
),
claimed as (
    update jobs
    set status = 'processing', updated_at = now()
    where id in (select id from next_job)
    returning id
)
select id from claimed;
`
